// Package pattern defines the learned-correction data model and the
// persistence interface used by the pattern store.
//
// A [Pattern] records one user correction (original → edited) for a document
// type together with how often it has been observed and how much the engine
// trusts it. Backends ([Backend]) only persist patterns; lookup, similarity
// matching and bookkeeping live in the pattern store which keeps an
// in-memory index over a backend.
//
// The interfaces are public so that hosts can supply alternative storage
// (SQLite, cloud KV, …) without depending on editlearn internals. Every
// implementation must be safe for concurrent use.
package pattern

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned by backends when a pattern ID does not exist.
var ErrNotFound = errors.New("pattern: not found")

// Pattern is one learned correction.
type Pattern struct {
	// ID uniquely identifies the pattern (a UUID).
	ID string `json:"id"`

	// DocumentType is the opaque category label supplied by the host
	// (e.g. "email", "code_comment").
	DocumentType string `json:"document_type"`

	// OriginalText is the produced text before the user edited it.
	OriginalText string `json:"original_text"`

	// EditedText is the user's corrected version. Always differs from
	// OriginalText.
	EditedText string `json:"edited_text"`

	// Frequency counts observations of this correction. Always >= 1.
	Frequency int `json:"frequency"`

	// FirstSeen and LastSeen bound the observations.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Confidence is the engine's trust in the pattern, in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Validate reports whether p satisfies the model invariants.
func (p Pattern) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("pattern: id is empty"))
	}
	if p.OriginalText == p.EditedText {
		errs = append(errs, errors.New("pattern: edited text equals original text"))
	}
	if p.Frequency < 1 {
		errs = append(errs, errors.New("pattern: frequency must be at least 1"))
	}
	if p.Confidence < 0 || p.Confidence > 1 || math.IsNaN(p.Confidence) {
		errs = append(errs, errors.New("pattern: confidence out of range [0,1]"))
	}
	return errors.Join(errs...)
}

// FrequencyConfidence returns min(1, log10(f+1)/log10(11)). It is
// monotonically non-decreasing in f and reaches 1.0 at f = 10.
func FrequencyConfidence(frequency int) float64 {
	if frequency < 1 {
		return 0
	}
	c := math.Log10(float64(frequency)+1) / math.Log10(11)
	return math.Min(1.0, c)
}

// Match pairs a stored pattern with its similarity to a query text.
type Match struct {
	Pattern Pattern
	Score   float64
}

// Backend persists patterns. It does not interpret them.
type Backend interface {
	// Load returns every stored pattern.
	Load(ctx context.Context) ([]Pattern, error)

	// Save inserts or replaces the given patterns by ID.
	Save(ctx context.Context, patterns ...Pattern) error

	// Delete removes patterns by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
