// Package semdiff computes token-level differences between a produced text and
// the user's edited version, discarding changes that carry no intent.
//
// The differ proceeds in four steps:
//
//  1. Both texts are tokenized with [token.Tokenize].
//  2. Whole-text noise is rejected: near-total rewrites (word-set overlap
//     below 0.2) and pure reorders (identical word multisets with a different
//     token count) produce no changes at all.
//  3. A bounded-lookahead walk emits one [Change] per divergence run.
//  4. Each change is filtered: case-only changes at a sentence boundary,
//     punctuation-only changes at the very end of the text, whitespace-only
//     changes, and very short changes that are not known short corrections
//     are dropped.
//
// Surviving changes are grouped into [Cascade] values for reporting.
//
// A [Differ] is read-only after construction and safe for concurrent use.
package semdiff

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/editlearn/internal/token"
)

const (
	defaultMaxLookahead    = 5
	defaultMinOverlap      = 0.2
	defaultCascadeGap      = 3
	defaultMinChangeLength = 3

	// trailingPunctuationWindow is the number of bytes at the end of the
	// original text in which punctuation-only changes are ignored.
	trailingPunctuationWindow = 5
)

// RejectReason explains why a whole diff was discarded before token
// alignment.
type RejectReason int

const (
	NotRejected RejectReason = iota
	RejectedEmpty
	RejectedLowOverlap
	RejectedReorder
)

// String returns a short label for logs.
func (r RejectReason) String() string {
	switch r {
	case NotRejected:
		return "none"
	case RejectedEmpty:
		return "empty"
	case RejectedLowOverlap:
		return "low_overlap"
	case RejectedReorder:
		return "reorder"
	default:
		return "unknown"
	}
}

// Result is the output of [Differ.Diff].
type Result struct {
	// Changes are the filtered, intent-bearing changes in original order.
	Changes []Change

	// Cascades groups Changes by proximity.
	Cascades []Cascade

	// Dropped counts raw changes removed by the noise filter.
	Dropped int

	// Rejected is non-zero when the whole diff was discarded as noise.
	Rejected RejectReason
}

// Significant reports whether at least one intent-bearing change survived.
func (r Result) Significant() bool {
	return len(r.Changes) > 0
}

// shortCorrections maps the unpunctuated form of common short words to their
// corrected form. Lookups are lower-case and checked in both directions.
var shortCorrections = map[string]string{
	"im":     "i'm",
	"its":    "it's",
	"theyre": "they're",
	"youre":  "you're",
	"dont":   "don't",
	"cant":   "can't",
	"wont":   "won't",
	"id":     "i'd",
	"ive":    "i've",
	"u":      "you",
	"ur":     "your",
	"thx":    "thanks",
}

// Option configures a [Differ].
type Option func(*Differ)

// WithMaxLookahead caps the realignment window. Default: 5.
func WithMaxLookahead(n int) Option {
	return func(d *Differ) {
		if n > 0 {
			d.maxLookahead = n
		}
	}
}

// WithCascadeGap sets the maximum position gap between changes of one
// cascade. Default: 3.
func WithCascadeGap(n int) Option {
	return func(d *Differ) {
		if n >= 0 {
			d.cascadeGap = n
		}
	}
}

// WithShortCorrections adds entries to the whitelist of short corrections
// that survive the minimum-length filter.
func WithShortCorrections(pairs map[string]string) Option {
	return func(d *Differ) {
		for k, v := range pairs {
			d.whitelist[strings.ToLower(k)] = strings.ToLower(v)
		}
	}
}

// Differ computes semantic diffs.
type Differ struct {
	maxLookahead int
	minOverlap   float64
	cascadeGap   int
	minLength    int
	whitelist    map[string]string
}

// New returns a [Differ] configured with opts.
func New(opts ...Option) *Differ {
	d := &Differ{
		maxLookahead: defaultMaxLookahead,
		minOverlap:   defaultMinOverlap,
		cascadeGap:   defaultCascadeGap,
		minLength:    defaultMinChangeLength,
		whitelist:    make(map[string]string, len(shortCorrections)),
	}
	for k, v := range shortCorrections {
		d.whitelist[k] = v
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Diff compares original with edited and returns the intent-bearing changes.
func (d *Differ) Diff(original, edited string) Result {
	a := token.Tokenize(original)
	b := token.Tokenize(edited)

	if reason := d.reject(a, b); reason != NotRejected {
		return Result{Rejected: reason}
	}

	raw := align(a, b, len(original), d.maxLookahead)

	res := Result{}
	for _, c := range raw {
		if d.isNoise(c, original) {
			res.Dropped++
			continue
		}
		res.Changes = append(res.Changes, c)
	}
	res.Cascades = groupCascades(res.Changes, d.cascadeGap)
	return res
}

// reject applies the whole-text noise rules.
func (d *Differ) reject(a, b []token.Token) RejectReason {
	wa, wb := lowerWords(a), lowerWords(b)
	if len(wa) == 0 && len(wb) == 0 {
		return RejectedEmpty
	}
	if overlap(wa, wb) < d.minOverlap {
		return RejectedLowOverlap
	}
	if len(a) != len(b) {
		sa, sb := slices.Clone(wa), slices.Clone(wb)
		slices.Sort(sa)
		slices.Sort(sb)
		if slices.Equal(sa, sb) {
			return RejectedReorder
		}
	}
	return NotRejected
}

// isNoise reports whether a raw change should be discarded.
func (d *Differ) isNoise(c Change, original string) bool {
	if c.IsWhitespaceOnly() {
		return true
	}
	if c.IsCaseOnly() {
		if c.Position == 0 || strings.Contains(original, ". "+c.OriginalText()) {
			return true
		}
	}
	if c.IsPunctuationOnly() && c.Offset >= len(original)-trailingPunctuationWindow {
		return true
	}

	o := strings.TrimSpace(c.OriginalText())
	e := strings.TrimSpace(c.EditedText())
	if shortest(o, e) < d.minLength && !d.whitelisted(o, e) {
		return true
	}
	return false
}

// shortest returns the rune length of the shorter non-empty side.
func shortest(o, e string) int {
	lo, le := utf8.RuneCountInString(o), utf8.RuneCountInString(e)
	switch {
	case lo == 0:
		return le
	case le == 0:
		return lo
	default:
		return min(lo, le)
	}
}

func (d *Differ) whitelisted(o, e string) bool {
	o, e = strings.ToLower(o), strings.ToLower(e)
	if v, ok := d.whitelist[o]; ok && v == e {
		return true
	}
	if v, ok := d.whitelist[e]; ok && v == o {
		return true
	}
	return false
}

// align walks both token streams and emits a change for every divergence
// run. On a mismatch the lookahead window grows from 1 to maxLookahead; the
// first matching pair found re-synchronises the streams. If none is found
// the remainders of both streams form the final change.
func align(a, b []token.Token, originalLen, maxLookahead int) []Change {
	var changes []Change
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if i < len(a) && j < len(b) && token.Equal(a[i], b[j]) {
			i++
			j++
			continue
		}

		di, dj, ok := realign(a, b, i, j, maxLookahead)
		if !ok {
			di, dj = len(a)-i, len(b)-j
		}
		changes = append(changes, Change{
			Original: a[i : i+di],
			Edited:   b[j : j+dj],
			Position: i,
			Offset:   offsetOf(a, i, originalLen),
		})
		i += di
		j += dj
	}
	return changes
}

// realign searches for the nearest (i+di, j+dj) with matching tokens, where
// max(di, dj) equals the current window. Within a window, candidates with the
// smallest combined skip are preferred.
func realign(a, b []token.Token, i, j, maxLookahead int) (int, int, bool) {
	for w := 1; w <= maxLookahead; w++ {
		for sum := w; sum <= 2*w; sum++ {
			for di := max(0, sum-w); di <= min(w, sum); di++ {
				dj := sum - di
				if max(di, dj) != w {
					continue
				}
				if i+di >= len(a) || j+dj >= len(b) {
					continue
				}
				if anchored(a, b, i+di, j+dj) {
					return di, dj, true
				}
			}
		}
	}
	return 0, 0, false
}

// anchored reports whether a[i] and b[j] can re-synchronise the streams. A
// whitespace match only counts when the following tokens also match, so a
// shared space between two replaced words does not split the change.
func anchored(a, b []token.Token, i, j int) bool {
	if !token.Equal(a[i], b[j]) {
		return false
	}
	if a[i].Kind != token.Whitespace {
		return true
	}
	if i+1 == len(a) && j+1 == len(b) {
		return true
	}
	return i+1 < len(a) && j+1 < len(b) && token.Equal(a[i+1], b[j+1])
}

func offsetOf(a []token.Token, i, originalLen int) int {
	if i < len(a) {
		return a[i].Start
	}
	return originalLen
}

func lowerWords(tokens []token.Token) []string {
	words := make([]string, 0, len(tokens)/2+1)
	for _, t := range tokens {
		if t.Kind == token.Word {
			words = append(words, strings.ToLower(t.Text))
		}
	}
	return words
}

// overlap returns the Jaccard ratio of the two word sets.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa := make(map[string]struct{}, len(a))
	for _, w := range a {
		sa[w] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	for _, w := range b {
		sb[w] = struct{}{}
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
