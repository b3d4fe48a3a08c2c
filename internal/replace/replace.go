// Package replace rewrites freshly produced text with the user's learned
// corrections.
//
// Each qualifying pattern is reduced to word-level substitutions by
// positionally aligning the whitespace-separated words of its original and
// edited text. The substitutions are applied as case-insensitive matches
// that never land inside a longer word of any script. A safety gate refuses
// the whole rewrite when the pattern set looks corrupted, so a damaged store
// can never mangle output.
package replace

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/pkg/pattern"
)

const (
	// DefaultMinConfidence is the minimum pattern confidence used by
	// [Engine.Apply] unless configured otherwise.
	DefaultMinConfidence = 0.7

	// MaxSubstitutions is the largest substitution set the engine applies.
	MaxSubstitutions = 100

	// MaxReplacementLen is the longest replacement word, in runes.
	MaxReplacementLen = 50

	// minWordLen is the shortest original word that may be substituted.
	minWordLen = 3

	// maxCachedWords bounds the compiled matcher cache.
	maxCachedWords = 1024
)

// pathFragments mark text copied from file paths, URLs or source files.
var pathFragments = []string{"/Users/", "/home/", `C:\`, ".swift", ".go", "://"}

// Source supplies the patterns for a document type.
type Source interface {
	Patterns(docType string) []pattern.Pattern
}

// Substitution is one word-level rewrite derived from a pattern.
type Substitution struct {
	From      string `json:"from"`
	To        string `json:"to"`
	PatternID string `json:"pattern_id"`
}

// Result describes one rewrite.
type Result struct {
	Text string `json:"text"`

	// Applied counts regex matches replaced in the text.
	Applied int `json:"applied"`

	// Refused is set when the safety gate rejected the substitution set.
	Refused bool   `json:"refused,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMinConfidence sets the default confidence threshold.
func WithMinConfidence(c float64) Option {
	return func(e *Engine) { e.minConf = c }
}

// WithMetrics records applied substitutions, gate trips and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine applies learned substitutions. All methods are safe for concurrent
// use.
type Engine struct {
	src     Source
	metrics *observe.Metrics

	mu      sync.RWMutex
	minConf float64

	cacheMu sync.Mutex
	cache   map[string]*matcher
}

// New returns an Engine reading patterns from src.
func New(src Source, opts ...Option) *Engine {
	e := &Engine{
		src:     src,
		minConf: DefaultMinConfidence,
		cache:   make(map[string]*matcher),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MinConfidence returns the default confidence threshold.
func (e *Engine) MinConfidence() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minConf
}

// SetMinConfidence replaces the default confidence threshold.
func (e *Engine) SetMinConfidence(c float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minConf = c
}

// Apply rewrites text with the patterns of docType at the default
// confidence threshold.
func (e *Engine) Apply(ctx context.Context, text, docType string) string {
	return e.Rewrite(ctx, text, docType, e.MinConfidence()).Text
}

// ApplyWithMinConfidence rewrites text using patterns with confidence of at
// least minConfidence.
func (e *Engine) ApplyWithMinConfidence(ctx context.Context, text, docType string, minConfidence float64) string {
	return e.Rewrite(ctx, text, docType, minConfidence).Text
}

// Rewrite is Apply with a detailed result.
func (e *Engine) Rewrite(ctx context.Context, text, docType string, minConfidence float64) Result {
	start := time.Now()
	res := Result{Text: text}
	defer func() {
		if e.metrics == nil {
			return
		}
		e.metrics.ApplyDuration.Record(ctx, time.Since(start).Seconds())
		if res.Applied > 0 {
			e.metrics.ReplacementsApplied.Add(ctx, int64(res.Applied),
				metric.WithAttributes(observe.Attr("document_type", docType)))
		}
		if res.Refused {
			e.metrics.SafetyGateTrips.Add(ctx, 1)
		}
	}()

	if text == "" {
		return res
	}
	subs, total := e.derive(docType, minConfidence)
	if total == 0 {
		return res
	}
	if reason := checkSafety(subs, total); reason != "" {
		res.Refused, res.Reason = true, reason
		observe.Logger(ctx).Warn("replace: learned patterns look corrupted, refusing to rewrite; consider resetting the pattern store",
			"document_type", docType,
			"reason", reason,
			"substitutions", total,
		)
		return res
	}

	out := text
	for _, s := range subs {
		var n int
		out, n = e.matcherFor(s.From).replace(out, s.To)
		res.Applied += n
	}
	res.Text = out
	return res
}

// Substitutions returns the deduplicated substitution set for docType at
// minConfidence, in the order Rewrite applies it.
func (e *Engine) Substitutions(docType string, minConfidence float64) []Substitution {
	subs, _ := e.derive(docType, minConfidence)
	return subs
}

// derive returns the deduplicated substitutions and the total number of
// word pairs before deduplication. Patterns are visited by descending
// confidence so the most trusted pattern wins a conflicting word.
func (e *Engine) derive(docType string, minConfidence float64) ([]Substitution, int) {
	var ps []pattern.Pattern
	for _, p := range e.src.Patterns(docType) {
		if p.Confidence >= minConfidence {
			ps = append(ps, p)
		}
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Confidence > ps[j].Confidence })

	var (
		subs  []Substitution
		total int
		seen  = make(map[string]bool)
	)
	for _, p := range ps {
		for _, s := range WordPairs(p.OriginalText, p.EditedText) {
			total++
			key := strings.ToLower(s.From)
			if seen[key] {
				continue
			}
			seen[key] = true
			s.PatternID = p.ID
			subs = append(subs, s)
		}
	}
	return subs, total
}

// WordPairs aligns the whitespace-separated words of original and edited by
// position, up to the shorter length, and returns the pairs that differ
// case-insensitively and whose original word is at least three runes long.
func WordPairs(original, edited string) []Substitution {
	ow, ew := strings.Fields(original), strings.Fields(edited)
	n := min(len(ow), len(ew))
	var out []Substitution
	for i := range n {
		if strings.EqualFold(ow[i], ew[i]) || utf8.RuneCountInString(ow[i]) < minWordLen {
			continue
		}
		out = append(out, Substitution{From: ow[i], To: ew[i]})
	}
	return out
}

// checkSafety returns a non-empty reason when the substitution set must not
// be applied.
func checkSafety(subs []Substitution, total int) string {
	if total > MaxSubstitutions {
		return "too many substitutions"
	}
	for _, s := range subs {
		if utf8.RuneCountInString(s.To) > MaxReplacementLen {
			return "replacement too long"
		}
		combined := s.From + s.To
		if hasBoxDrawing(combined) {
			return "box-drawing characters"
		}
		for _, frag := range pathFragments {
			if strings.Contains(combined, frag) {
				return "path-like fragment"
			}
		}
	}
	return ""
}

func hasBoxDrawing(s string) bool {
	for _, r := range s {
		if r >= 0x2500 && r <= 0x259F {
			return true
		}
	}
	return false
}

// matcher finds one word case-insensitively. Go's regexp has no Unicode
// \b, so word edges are checked against the surrounding runes instead.
type matcher struct {
	re         *regexp.Regexp
	startsWord bool
	endsWord   bool
}

// matcherFor returns the cached matcher for word. The cache is dropped
// whole once it reaches maxCachedWords entries.
func (e *Engine) matcherFor(word string) *matcher {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if m, ok := e.cache[word]; ok {
		return m
	}
	if len(e.cache) >= maxCachedWords {
		clear(e.cache)
	}

	first, _ := utf8.DecodeRuneInString(word)
	last, _ := utf8.DecodeLastRuneInString(word)
	m := &matcher{
		re:         regexp.MustCompile("(?i)" + regexp.QuoteMeta(word)),
		startsWord: isWordRune(first),
		endsWord:   isWordRune(last),
	}
	e.cache[word] = m
	return m
}

// replace substitutes to for every match of m in text that is not part of
// a longer word, and returns the new text and the number of matches
// replaced.
func (m *matcher) replace(text, to string) (string, int) {
	locs := m.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}
	var (
		b    strings.Builder
		prev int
		n    int
	)
	for _, loc := range locs {
		if m.startsWord {
			if r, _ := utf8.DecodeLastRuneInString(text[:loc[0]]); loc[0] > 0 && isWordRune(r) {
				continue
			}
		}
		if m.endsWord {
			if r, _ := utf8.DecodeRuneInString(text[loc[1]:]); loc[1] < len(text) && isWordRune(r) {
				continue
			}
		}
		b.WriteString(text[prev:loc[0]])
		b.WriteString(to)
		prev = loc[1]
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[prev:])
	return b.String(), n
}

// isWordRune reports whether r can continue a word in any script.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
