// Package patternstore keeps the learned correction patterns in memory,
// indexed by document type, and writes every change through to a
// [pattern.Backend].
//
// Readers (FindSimilar, Patterns, All) take a read lock and never touch the
// backend. Writers are serialised so that backend writes happen in the same
// order as the in-memory mutations. Backend calls run through a
// [resilience.CircuitBreaker]; when the backend fails the in-memory index
// still reflects the change and the error is returned to the caller.
package patternstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/internal/resilience"
	"github.com/MrWong99/editlearn/internal/similarity"
	"github.com/MrWong99/editlearn/pkg/pattern"
)

// ErrDegenerate is returned by [Store.Upsert] when the edited text equals the
// original text.
var ErrDegenerate = errors.New("patternstore: edited text equals original text")

// Option configures a [Store].
type Option func(*Store)

// WithClock sets the time source used for FirstSeen, LastSeen and pruning.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithMetrics records backend failures on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithBreaker replaces the default circuit breaker guarding backend calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Store) { s.breaker = cb }
}

// Store is the in-memory pattern index. All methods are safe for concurrent
// use.
type Store struct {
	backend pattern.Backend
	breaker *resilience.CircuitBreaker
	clock   clock.Clock
	metrics *observe.Metrics

	// writeMu serialises mutations together with their backend writes.
	writeMu sync.Mutex

	mu     sync.RWMutex
	byType map[string][]pattern.Pattern
}

// Open builds a Store over backend and loads every stored pattern into the
// index. A nil backend yields a purely in-memory store.
func Open(ctx context.Context, backend pattern.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		clock:   clock.New(),
		byType:  make(map[string][]pattern.Pattern),
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "pattern-backend",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			Clock:        s.clock,
		})
	}
	if backend == nil {
		return s, nil
	}

	loaded, err := backend.Load(ctx)
	if err != nil {
		s.recordError(ctx, "load")
		return nil, fmt.Errorf("patternstore: load: %w", err)
	}
	skipped := 0
	for _, p := range loaded {
		if err := p.Validate(); err != nil {
			skipped++
			observe.Logger(ctx).Warn("patternstore: skipping invalid stored pattern", "id", p.ID, "err", err)
			continue
		}
		s.byType[p.DocumentType] = append(s.byType[p.DocumentType], p)
	}
	for _, list := range s.byType {
		sortByFirstSeen(list)
	}
	observe.Logger(ctx).Debug("patternstore: loaded patterns", "count", len(loaded)-skipped, "skipped", skipped)
	return s, nil
}

// Backend returns the persistence backend, or nil for an in-memory store.
func (s *Store) Backend() pattern.Backend { return s.backend }

// Ping checks the backend. An in-memory store is always healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	if s.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Upsert records one observed correction. When a stored pattern of the same
// document type has an original text scoring at least
// [similarity.SamePatternThreshold] against original, that pattern's
// frequency is incremented and its edited text replaced by the latest one;
// otherwise a new pattern with frequency 1 is created. The returned bool is
// true for a newly created pattern.
//
// A non-nil error after a successful index update means the change was not
// persisted.
func (s *Store) Upsert(ctx context.Context, docType, original, edited string) (pattern.Pattern, bool, error) {
	if original == edited {
		return pattern.Pattern{}, false, ErrDegenerate
	}
	ctx, span := observe.StartSpan(ctx, "patternstore.Upsert")
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now().UTC()

	s.mu.Lock()
	list := s.byType[docType]
	best, bestScore := -1, 0.0
	for i := range list {
		score := similarity.Score(list[i].OriginalText, original)
		if score >= similarity.SamePatternThreshold && score > bestScore {
			best, bestScore = i, score
		}
	}

	var p pattern.Pattern
	created := best < 0
	if created {
		p = pattern.Pattern{
			ID:           uuid.NewString(),
			DocumentType: docType,
			OriginalText: original,
			EditedText:   edited,
			Frequency:    1,
			FirstSeen:    now,
			LastSeen:     now,
			Confidence:   pattern.FrequencyConfidence(1),
		}
		s.byType[docType] = append(list, p)
	} else {
		p = list[best]
		p.Frequency++
		p.LastSeen = now
		if edited != p.OriginalText {
			p.EditedText = edited
		}
		p.Confidence = pattern.FrequencyConfidence(p.Frequency)
		list[best] = p
	}
	s.mu.Unlock()

	err := s.persist(ctx, "save", func(ctx context.Context) error {
		return s.backend.Save(ctx, p)
	})
	return p, created, err
}

// FindSimilar returns the patterns of docType whose original text scores at
// least threshold against text, best match first.
func (s *Store) FindSimilar(ctx context.Context, docType, text string, threshold float64) []pattern.Match {
	_, span := observe.StartSpan(ctx, "patternstore.FindSimilar")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pattern.Match
	for _, p := range s.byType[docType] {
		if score := similarity.Score(p.OriginalText, text); score >= threshold {
			out = append(out, pattern.Match{Pattern: p, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Patterns returns a copy of the patterns stored for docType, oldest first.
func (s *Store) Patterns(docType string) []pattern.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pattern.Pattern(nil), s.byType[docType]...)
}

// All returns a copy of every stored pattern, grouped by document type in
// lexical order.
func (s *Store) All() []pattern.Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pattern.Pattern
	for _, dt := range s.documentTypesLocked() {
		out = append(out, s.byType[dt]...)
	}
	return out
}

// DocumentTypes returns the document types that have at least one pattern,
// sorted.
func (s *Store) DocumentTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documentTypesLocked()
}

func (s *Store) documentTypesLocked() []string {
	types := make([]string, 0, len(s.byType))
	for dt, list := range s.byType {
		if len(list) > 0 {
			types = append(types, dt)
		}
	}
	sort.Strings(types)
	return types
}

// Len returns the total number of stored patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.byType {
		n += len(list)
	}
	return n
}

// Update calls fn for every stored pattern under the write lock. When fn
// returns true the (possibly modified) pattern is kept and persisted. fn must
// not change ID or DocumentType. Update returns the number of modified
// patterns.
func (s *Store) Update(ctx context.Context, fn func(p *pattern.Pattern) bool) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var changed []pattern.Pattern
	s.mu.Lock()
	for dt, list := range s.byType {
		for i := range list {
			p := list[i]
			if fn(&p) {
				p.ID, p.DocumentType = list[i].ID, dt
				list[i] = p
				changed = append(changed, p)
			}
		}
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return 0, nil
	}
	err := s.persist(ctx, "save", func(ctx context.Context) error {
		return s.backend.Save(ctx, changed...)
	})
	return len(changed), err
}

// Replace inserts or overwrites patterns by ID. Patterns failing
// [pattern.Pattern.Validate] are rejected as a whole.
func (s *Store) Replace(ctx context.Context, patterns []pattern.Pattern) error {
	var errs []error
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("patternstore: replace: %w", err)
	}
	if len(patterns) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	for _, p := range patterns {
		s.removeLocked(func(old pattern.Pattern) bool { return old.ID == p.ID })
		s.byType[p.DocumentType] = append(s.byType[p.DocumentType], p)
	}
	for _, list := range s.byType {
		sortByFirstSeen(list)
	}
	s.mu.Unlock()

	return s.persist(ctx, "save", func(ctx context.Context) error {
		return s.backend.Save(ctx, patterns...)
	})
}

// Prune removes patterns last seen before now-olderThan whose confidence is
// below minConfidence. It returns the number removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration, minConfidence float64) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.remove(ctx, func(p pattern.Pattern) bool {
		return p.LastSeen.Before(cutoff) && p.Confidence < minConfidence
	})
}

// Reset deletes every pattern of docType, or all patterns when docType is
// empty. It returns the number removed.
func (s *Store) Reset(ctx context.Context, docType string) (int, error) {
	return s.remove(ctx, func(p pattern.Pattern) bool {
		return docType == "" || p.DocumentType == docType
	})
}

func (s *Store) remove(ctx context.Context, match func(pattern.Pattern) bool) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	removed := s.removeLocked(match)
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0, nil
	}
	err := s.persist(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, removed...)
	})
	return len(removed), err
}

// removeLocked drops matching patterns and returns their IDs. Must be called
// with s.mu held.
func (s *Store) removeLocked(match func(pattern.Pattern) bool) []string {
	var ids []string
	for dt, list := range s.byType {
		kept := list[:0]
		for _, p := range list {
			if match(p) {
				ids = append(ids, p.ID)
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.byType, dt)
		} else {
			s.byType[dt] = kept
		}
	}
	return ids
}

// persist runs a backend call through the circuit breaker.
func (s *Store) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.backend == nil {
		return nil
	}
	err := s.breaker.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	s.recordError(ctx, op)
	observe.Logger(ctx).Warn("patternstore: backend write failed", "op", op, "err", err)
	return fmt.Errorf("patternstore: %s: %w", op, err)
}

func (s *Store) recordError(ctx context.Context, op string) {
	if s.metrics != nil {
		s.metrics.RecordStoreError(ctx, op)
	}
}

func sortByFirstSeen(list []pattern.Pattern) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].FirstSeen.Before(list[j].FirstSeen) })
}
