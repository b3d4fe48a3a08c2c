// Package similarity scores how alike two strings are using normalised
// Levenshtein edit distance.
//
// The score is used twice by the learning engine: to decide whether a user
// edit is significant (score below [SignificantThreshold]) and to decide
// whether a new edit belongs to an already stored pattern (score at or above
// [SamePatternThreshold]).
package similarity

import (
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	// SignificantThreshold is the score below which an edit is considered
	// significant, i.e. the texts differ by more than roughly 10%.
	SignificantThreshold = 0.9

	// SamePatternThreshold is the minimum score for a new original text to be
	// counted as a repeat of a stored pattern.
	SamePatternThreshold = 0.95
)

// Distance returns the character-level Levenshtein distance between a and b,
// counted in runes.
func Distance(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return utf8.RuneCountInString(b)
	}
	if b == "" {
		return utf8.RuneCountInString(a)
	}
	return matchr.Levenshtein(a, b)
}

// Score returns 1 - Distance(a, b)/max(len(a), len(b)) in runes. Two empty
// strings score 1.0. The result is always within [0, 1].
func Score(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	s := 1.0 - float64(Distance(a, b))/float64(longest)
	if s < 0 {
		return 0
	}
	return s
}

// IsSignificant reports whether edited differs enough from original to be
// worth learning.
func IsSignificant(original, edited string) bool {
	return Score(original, edited) < SignificantThreshold
}

// IsSamePattern reports whether a and b are close enough to be treated as the
// same stored pattern.
func IsSamePattern(a, b string) bool {
	return Score(a, b) >= SamePatternThreshold
}
