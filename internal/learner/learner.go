// Package learner is the learning engine facade used by the host pipeline.
//
// It starts observation sessions after text has been pasted, decides
// whether a completed edit is worth learning (whole-text similarity plus the
// semantic differ), stores significant edits as patterns and rewrites new
// text with the learned corrections.
package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/internal/observer"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/internal/recognizer"
	"github.com/MrWong99/editlearn/internal/replace"
	"github.com/MrWong99/editlearn/internal/semdiff"
	"github.com/MrWong99/editlearn/internal/similarity"
	"github.com/MrWong99/editlearn/pkg/capture"
	"github.com/MrWong99/editlearn/pkg/pattern"
)

// Discard reasons reported in [LearnResult] and metrics.
const (
	ReasonMinor       = "minor"
	ReasonNoise       = "noise"
	ReasonUnchanged   = "unchanged"
	ReasonStoreFailed = "store_failed"
)

// Config configures an [Engine].
type Config struct {
	// Store holds learned patterns. Required.
	Store *patternstore.Store

	// Clipboard and Focused are the observation sources. Clipboard is
	// required; a nil Focused runs clipboard-only.
	Clipboard capture.ClipboardReader
	Focused   capture.FocusedTextReader

	ClipboardInterval time.Duration
	FocusedInterval   time.Duration

	// MinApplyConfidence is the replacement threshold. Defaults to
	// [replace.DefaultMinConfidence].
	MinApplyConfidence float64

	// Recognizer maintains confidences. Built from Store when nil.
	Recognizer *recognizer.Recognizer

	// Differ decides edit significance. Defaults to semdiff.New().
	Differ *semdiff.Differ

	Clock   clock.Clock
	Metrics *observe.Metrics
}

// LearnResult describes what happened to one completed edit.
type LearnResult struct {
	Learned  bool            `json:"learned"`
	Created  bool            `json:"created,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Changes  int             `json:"changes"`
	Cascades int             `json:"cascades"`
	Pattern  pattern.Pattern `json:"pattern,omitzero"`
}

// Stats summarises the engine.
type Stats struct {
	recognizer.Stats

	// Sessions counts resolved sessions by final state.
	Sessions map[string]int `json:"sessions"`

	Learned   int  `json:"learned"`
	Discarded int  `json:"discarded"`
	Degraded  bool `json:"degraded"`
}

// Engine is the learning engine. All methods are safe for concurrent use.
type Engine struct {
	store    *patternstore.Store
	rec      *recognizer.Recognizer
	replacer *replace.Engine
	differ   *semdiff.Differ
	coord    *observer.Coordinator
	metrics  *observe.Metrics

	mu        sync.Mutex
	sessions  map[string]int
	learned   int
	discarded int
	last      *LearnResult
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("learner: store is required")
	}
	if cfg.Differ == nil {
		cfg.Differ = semdiff.New()
	}
	if cfg.Recognizer == nil {
		cfg.Recognizer = recognizer.New(recognizer.Config{
			Store:   cfg.Store,
			Clock:   cfg.Clock,
			Metrics: cfg.Metrics,
		})
	}
	if cfg.MinApplyConfidence <= 0 {
		cfg.MinApplyConfidence = replace.DefaultMinConfidence
	}

	e := &Engine{
		store:    cfg.Store,
		rec:      cfg.Recognizer,
		differ:   cfg.Differ,
		metrics:  cfg.Metrics,
		sessions: make(map[string]int),
	}
	e.replacer = replace.New(cfg.Store,
		replace.WithMinConfidence(cfg.MinApplyConfidence),
		replace.WithMetrics(cfg.Metrics),
	)

	coord, err := observer.New(observer.Config{
		Clipboard:         cfg.Clipboard,
		Focused:           cfg.Focused,
		ClipboardInterval: cfg.ClipboardInterval,
		FocusedInterval:   cfg.FocusedInterval,
		OnComplete:        e.handleOutcome,
		Clock:             cfg.Clock,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("learner: %w", err)
	}
	e.coord = coord
	return e, nil
}

// Store returns the pattern store.
func (e *Engine) Store() *patternstore.Store { return e.store }

// Recognizer returns the confidence maintainer.
func (e *Engine) Recognizer() *recognizer.Recognizer { return e.rec }

// Replacer returns the replacement engine.
func (e *Engine) Replacer() *replace.Engine { return e.replacer }

// StartObservation begins watching text, pasted for docType, for a user
// edit. Any active observation is stopped first.
func (e *Engine) StartObservation(ctx context.Context, text, docType string) (*observer.Session, error) {
	s, err := e.coord.Start(ctx, text, docType)
	if err != nil {
		return nil, fmt.Errorf("learner: start observation: %w", err)
	}
	return s, nil
}

// Observation returns the active session, or nil.
func (e *Engine) Observation() *observer.Session { return e.coord.Current() }

// Degraded reports whether the focused-text source was found unavailable and
// observation fell back to the clipboard alone.
func (e *Engine) Degraded() bool { return e.coord.Degraded() }

// StopObservation stops the active session, flushing any buffered edit. It
// reports whether a session was running.
func (e *Engine) StopObservation() bool { return e.coord.StopCurrent() }

// StopSession stops session id. It returns [observer.ErrStaleSession] when
// id is no longer active.
func (e *Engine) StopSession(id observer.SessionID) error { return e.coord.Stop(id) }

// ApplyLearned rewrites text with the learned corrections for docType.
func (e *Engine) ApplyLearned(ctx context.Context, text, docType string) string {
	ctx, span := observe.StartSpan(ctx, "learner.apply", trace.WithAttributes(
		attribute.String("document_type", docType),
	))
	defer span.End()
	return e.replacer.Apply(ctx, text, docType)
}

// Rewrite is ApplyLearned with an explicit threshold and a detailed result.
// A non-positive minConfidence uses the configured default.
func (e *Engine) Rewrite(ctx context.Context, text, docType string, minConfidence float64) replace.Result {
	if minConfidence <= 0 {
		minConfidence = e.replacer.MinConfidence()
	}
	ctx, span := observe.StartSpan(ctx, "learner.rewrite")
	defer span.End()
	return e.replacer.Rewrite(ctx, text, docType, minConfidence)
}

// ResetPatterns deletes the patterns of docType, or all patterns when
// docType is empty.
func (e *Engine) ResetPatterns(ctx context.Context, docType string) (int, error) {
	n, err := e.store.Reset(ctx, docType)
	if err != nil {
		return n, fmt.Errorf("learner: reset patterns: %w", err)
	}
	observe.Logger(ctx).Info("learner: patterns reset", "document_type", docType, "removed", n)
	return n, nil
}

// TopPatterns returns the highest ranked patterns.
func (e *Engine) TopPatterns(docType string, limit int) []pattern.Pattern {
	return e.rec.TopPatterns(docType, limit)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	st := Stats{
		Stats:    e.rec.Stats(e.replacer.MinConfidence()),
		Sessions: make(map[string]int),
		Degraded: e.coord.Degraded(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range e.sessions {
		st.Sessions[k] = v
	}
	st.Learned = e.learned
	st.Discarded = e.discarded
	return st
}

// LastResult returns the result of the most recent completed edit, if any.
func (e *Engine) LastResult() (LearnResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return LearnResult{}, false
	}
	return *e.last, true
}

// Learn decides whether edited is a meaningful correction of original and
// stores it. Storage failures are returned but the decision is still
// reported in the result.
func (e *Engine) Learn(ctx context.Context, docType, original, edited string) (LearnResult, error) {
	ctx, span := observe.StartSpan(ctx, "learner.learn", trace.WithAttributes(
		attribute.String("document_type", docType),
	))
	defer span.End()
	log := observe.Logger(ctx)

	if original == edited {
		return e.discard(ctx, LearnResult{Reason: ReasonUnchanged}), nil
	}
	if !similarity.IsSignificant(original, edited) {
		log.Debug("learner: edit too small to learn", "document_type", docType)
		return e.discard(ctx, LearnResult{Reason: ReasonMinor}), nil
	}

	diff := e.differ.Diff(original, edited)
	res := LearnResult{Changes: len(diff.Changes), Cascades: len(diff.Cascades)}
	if !diff.Significant() {
		log.Debug("learner: edit is noise",
			"document_type", docType,
			"rejected", diff.Rejected,
			"dropped", diff.Dropped,
		)
		res.Reason = ReasonNoise
		return e.discard(ctx, res), nil
	}
	log.Debug("learner: significant edit",
		"document_type", docType,
		"changes", res.Changes,
		"cascades", res.Cascades,
		"diff", semdiff.Render(original, edited),
	)

	p, created, err := e.store.Upsert(ctx, docType, original, edited)
	res.Pattern, res.Created = p, created
	if err != nil {
		span.RecordError(err)
		log.Warn("learner: pattern not recorded", "document_type", docType, "err", err)
		res.Reason = ReasonStoreFailed
		e.discard(ctx, res)
		return res, fmt.Errorf("learner: learn: %w", err)
	}

	res.Learned = true
	e.mu.Lock()
	e.learned++
	e.last = &res
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordPatternLearned(ctx, docType, created)
	}
	log.Info("learner: pattern learned",
		"document_type", docType,
		"pattern_id", p.ID,
		"frequency", p.Frequency,
		"confidence", p.Confidence,
		"new", created,
	)
	return res, nil
}

// Close stops observation and waits for pending outcomes to be processed.
// The store is owned by the caller.
func (e *Engine) Close() {
	e.coord.Close()
	e.rec.Stop()
}

func (e *Engine) discard(ctx context.Context, res LearnResult) LearnResult {
	e.mu.Lock()
	e.discarded++
	e.last = &res
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordEditDiscarded(ctx, res.Reason)
	}
	return res
}

// handleOutcome learns from every session that ended with changed text.
func (e *Engine) handleOutcome(ctx context.Context, out observer.Outcome) {
	e.mu.Lock()
	e.sessions[out.State.String()]++
	e.mu.Unlock()

	if !out.Changed() {
		return
	}
	// Learn logs and counts storage failures itself.
	_, _ = e.Learn(ctx, out.DocumentType, out.OriginalText, out.EditedText)
}
