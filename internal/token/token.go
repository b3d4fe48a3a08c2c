// Package token splits text into typed tokens used by the diffing and
// replacement stages of the learning engine.
//
// Tokenization is lossless: concatenating the Text of every token returned by
// [Tokenize] reproduces the input exactly, and s[t.Start:t.End] == t.Text holds
// for every token. All functions are safe for concurrent use.
package token

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind int

const (
	Word        Kind = iota // letters, digits, and in-word apostrophes
	Whitespace              // maximal run of Unicode whitespace
	Punctuation             // a single punctuation or symbol rune
	Hyphen                  // a single '-', en dash, or em dash
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Word:
		return "Word"
	case Whitespace:
		return "Whitespace"
	case Punctuation:
		return "Punctuation"
	case Hyphen:
		return "Hyphen"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Token is a classified slice of the source text.
type Token struct {
	Text  string
	Kind  Kind
	Start int // byte offset, inclusive
	End   int // byte offset, exclusive
}

// String returns a debug representation, e.g. Word("hello")[0:5].
func (t Token) String() string {
	return fmt.Sprintf("%s(%q)[%d:%d]", t.Kind, t.Text, t.Start, t.End)
}

// Len returns the length of the token text in runes.
func (t Token) Len() int {
	return utf8.RuneCountInString(t.Text)
}

// IsHyphen reports whether r belongs to the hyphen class.
func IsHyphen(r rune) bool {
	return r == '-' || r == '–' || r == '—'
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// Tokenize scans s left to right and returns its tokens. An empty string
// yields a nil slice.
func Tokenize(s string) []Token {
	if s == "" {
		return nil
	}
	tokens := make([]Token, 0, len(s)/3+1)

	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		start := i

		switch {
		case unicode.IsSpace(r):
			i += size
			for i < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[i:])
				if !unicode.IsSpace(r2) {
					break
				}
				i += sz
			}
			tokens = append(tokens, Token{Text: s[start:i], Kind: Whitespace, Start: start, End: i})

		case IsHyphen(r):
			i += size
			tokens = append(tokens, Token{Text: s[start:i], Kind: Hyphen, Start: start, End: i})

		case isWordRune(r):
			i = scanWord(s, i)
			tokens = append(tokens, Token{Text: s[start:i], Kind: Word, Start: start, End: i})

		case isApostrophe(r) && followedByLetter(s, i+size):
			// Leading elision such as 'tis or 'em.
			i = scanWord(s, i+size)
			tokens = append(tokens, Token{Text: s[start:i], Kind: Word, Start: start, End: i})

		default:
			i += size
			tokens = append(tokens, Token{Text: s[start:i], Kind: Punctuation, Start: start, End: i})
		}
	}
	return tokens
}

// scanWord advances from i over word runes and apostrophes that are followed
// by another word rune. It returns the exclusive end offset.
func scanWord(s string, i int) int {
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		if isWordRune(r) {
			i += size
			continue
		}
		if isApostrophe(r) && followedByLetter(s, i+size) {
			i += size
			continue
		}
		break
	}
	return i
}

func followedByLetter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r)
}

// Join concatenates the text of tokens.
func Join(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// Words returns only the Word token texts of s.
func Words(s string) []string {
	tokens := Tokenize(s)
	words := make([]string, 0, len(tokens)/2+1)
	for _, t := range tokens {
		if t.Kind == Word {
			words = append(words, t.Text)
		}
	}
	return words
}

// Equal reports whether two tokens carry the same kind and text. Offsets are
// ignored so tokens from different sources can be compared.
func Equal(a, b Token) bool {
	return a.Kind == b.Kind && a.Text == b.Text
}
