// Package recognizer maintains the confidence of learned patterns over time.
//
// A pattern's confidence blends how often it was observed with how recently:
//
//	confidence = 0.7 * min(1, frequency/10) + 0.3 * recency
//
// where recency is 1.0 for patterns seen within the last week, 0.7 within the
// last 30 days and 0.3 otherwise. The [Recognizer] rescores the whole store
// and prunes stale, low-confidence patterns on a fixed interval.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/benbjohnson/clock"

	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/pkg/pattern"
)

const (
	// DefaultInterval is the period between background rescore/prune runs.
	DefaultInterval = time.Hour

	// DefaultPruneAge is the minimum age (since LastSeen) of a prunable
	// pattern.
	DefaultPruneAge = 30 * 24 * time.Hour

	// DefaultPruneMinConfidence is the confidence below which an old pattern
	// is pruned.
	DefaultPruneMinConfidence = 0.3

	// nearDuplicateThreshold is the Jaro-Winkler similarity at which two
	// stored originals are reported as variants of one another.
	nearDuplicateThreshold = 0.92

	frequencyWeight = 0.7
	recencyWeight   = 0.3
	frequencyCap    = 10
)

// Recency returns the recency factor for a pattern last seen at lastSeen.
func Recency(lastSeen, now time.Time) float64 {
	age := now.Sub(lastSeen)
	switch {
	case age < 7*24*time.Hour:
		return 1.0
	case age < 30*24*time.Hour:
		return 0.7
	default:
		return 0.3
	}
}

// Confidence returns the rescored confidence of p at time now.
func Confidence(p pattern.Pattern, now time.Time) float64 {
	f := min(1.0, float64(p.Frequency)/frequencyCap)
	return frequencyWeight*f + recencyWeight*Recency(p.LastSeen, now)
}

// Config configures a [Recognizer].
type Config struct {
	// Store holds the patterns to maintain. Required.
	Store *patternstore.Store

	// Interval is how often the background loop runs. Defaults to
	// [DefaultInterval].
	Interval time.Duration

	// PruneAge and PruneMinConfidence select patterns for removal. Default to
	// [DefaultPruneAge] and [DefaultPruneMinConfidence].
	PruneAge           time.Duration
	PruneMinConfidence float64

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics, when set, counts pruned patterns.
	Metrics *observe.Metrics
}

// Recognizer rescores and prunes patterns. All methods are safe for
// concurrent use.
type Recognizer struct {
	store    *patternstore.Store
	interval time.Duration
	clock    clock.Clock
	metrics  *observe.Metrics

	mu            sync.Mutex
	pruneAge      time.Duration
	pruneMinConf  float64
	done          chan struct{}
	stopOnce      sync.Once
	started       bool
	lastRun       time.Time
	lastRunResult RunResult
}

// RunResult summarises one maintenance pass.
type RunResult struct {
	Rescored int
	Pruned   int
}

// New creates a Recognizer.
func New(cfg Config) *Recognizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PruneAge <= 0 {
		cfg.PruneAge = DefaultPruneAge
	}
	if cfg.PruneMinConfidence <= 0 {
		cfg.PruneMinConfidence = DefaultPruneMinConfidence
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Recognizer{
		store:        cfg.Store,
		interval:     cfg.Interval,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		pruneAge:     cfg.PruneAge,
		pruneMinConf: cfg.PruneMinConfidence,
		done:         make(chan struct{}),
	}
}

// SetPrunePolicy replaces the prune thresholds. Non-positive values keep the
// current setting.
func (r *Recognizer) SetPrunePolicy(age time.Duration, minConfidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if age > 0 {
		r.pruneAge = age
	}
	if minConfidence > 0 {
		r.pruneMinConf = minConfidence
	}
}

// PrunePolicy returns the current prune thresholds.
func (r *Recognizer) PrunePolicy() (time.Duration, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneAge, r.pruneMinConf
}

// Rescore recomputes the confidence of every stored pattern and returns the
// number of patterns whose confidence changed.
func (r *Recognizer) Rescore(ctx context.Context) (int, error) {
	now := r.clock.Now()
	n, err := r.store.Update(ctx, func(p *pattern.Pattern) bool {
		c := Confidence(*p, now)
		if c == p.Confidence {
			return false
		}
		p.Confidence = c
		return true
	})
	if err != nil {
		return n, fmt.Errorf("recognizer: rescore: %w", err)
	}
	return n, nil
}

// Prune removes stale low-confidence patterns under the current policy.
func (r *Recognizer) Prune(ctx context.Context) (int, error) {
	age, minConf := r.PrunePolicy()
	n, err := r.store.Prune(ctx, age, minConf)
	if n > 0 && r.metrics != nil {
		r.metrics.PatternsPruned.Add(ctx, int64(n))
	}
	if err != nil {
		return n, fmt.Errorf("recognizer: prune: %w", err)
	}
	return n, nil
}

// RunOnce rescores then prunes.
func (r *Recognizer) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult
	var errs []error
	var err error
	if res.Rescored, err = r.Rescore(ctx); err != nil {
		errs = append(errs, err)
	}
	if res.Pruned, err = r.Prune(ctx); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	r.lastRun = r.clock.Now()
	r.lastRunResult = res
	r.mu.Unlock()
	return res, errors.Join(errs...)
}

// LastRun returns the time and result of the most recent maintenance pass.
// The time is zero when no pass has run.
func (r *Recognizer) LastRun() (time.Time, RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastRunResult
}

// TopPatterns returns up to limit patterns of docType ranked by
// confidence*frequency, highest first. An empty docType ranks across all
// types; a non-positive limit returns every pattern.
func (r *Recognizer) TopPatterns(docType string, limit int) []pattern.Pattern {
	var ps []pattern.Pattern
	if docType == "" {
		ps = r.store.All()
	} else {
		ps = r.store.Patterns(docType)
	}
	sort.SliceStable(ps, func(i, j int) bool {
		wi := ps[i].Confidence * float64(ps[i].Frequency)
		wj := ps[j].Confidence * float64(ps[j].Frequency)
		if wi != wj {
			return wi > wj
		}
		return ps[i].LastSeen.After(ps[j].LastSeen)
	})
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}

// Stats summarises the stored patterns.
type Stats struct {
	Patterns          int            `json:"patterns"`
	Observations      int            `json:"observations"`
	MeanConfidence    float64        `json:"mean_confidence"`
	ByDocumentType    map[string]int `json:"by_document_type"`
	Applicable        int            `json:"applicable"`
	NearDuplicatePair int            `json:"near_duplicate_pairs"`
}

// Stats computes summary statistics. Patterns with confidence at least
// minApply count as applicable. NearDuplicatePair counts pairs of patterns
// within one document type whose originals are close by Jaro-Winkler but
// were stored separately.
func (r *Recognizer) Stats(minApply float64) Stats {
	st := Stats{ByDocumentType: make(map[string]int)}
	var confSum float64
	for _, dt := range r.store.DocumentTypes() {
		ps := r.store.Patterns(dt)
		st.ByDocumentType[dt] = len(ps)
		for i, p := range ps {
			st.Patterns++
			st.Observations += p.Frequency
			confSum += p.Confidence
			if p.Confidence >= minApply {
				st.Applicable++
			}
			for _, q := range ps[i+1:] {
				if matchr.JaroWinkler(p.OriginalText, q.OriginalText, false) >= nearDuplicateThreshold {
					st.NearDuplicatePair++
				}
			}
		}
	}
	if st.Patterns > 0 {
		st.MeanConfidence = confSum / float64(st.Patterns)
	}
	return st
}

// Start begins periodic maintenance in a background goroutine. The
// goroutine runs until [Recognizer.Stop] is called or ctx is cancelled.
// Calling Start more than once has no effect.
func (r *Recognizer) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.loop(ctx)
}

// Stop halts the maintenance loop. Safe to call multiple times.
func (r *Recognizer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Recognizer) loop(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				observe.Logger(ctx).Warn("recognizer: maintenance failed", "err", err)
				continue
			}
			observe.Logger(ctx).Debug("recognizer: maintenance done",
				"rescored", res.Rescored,
				"pruned", res.Pruned,
			)
		}
	}
}
