package semdiff

import (
	"strings"

	"github.com/MrWong99/editlearn/internal/token"
)

// Change is one contiguous divergence between the original and edited token
// streams. Either side may be empty (pure insertion or deletion).
type Change struct {
	// Original holds the tokens removed from the original text.
	Original []token.Token

	// Edited holds the tokens that replaced them in the edited text.
	Edited []token.Token

	// Position is the index of the first divergent token in the original
	// token stream.
	Position int

	// Offset is the byte offset in the original text where the change
	// begins. For insertions at the end of the text it equals len(original).
	Offset int
}

// OriginalText returns the concatenated text of the original side.
func (c Change) OriginalText() string { return token.Join(c.Original) }

// EditedText returns the concatenated text of the edited side.
func (c Change) EditedText() string { return token.Join(c.Edited) }

// IsCaseOnly reports whether both sides differ only in letter case.
func (c Change) IsCaseOnly() bool {
	o, e := c.OriginalText(), c.EditedText()
	return o != e && strings.EqualFold(o, e)
}

// IsPunctuationOnly reports whether every non-whitespace token on both sides
// is punctuation or a hyphen, and at least one such token exists.
func (c Change) IsPunctuationOnly() bool {
	seen := false
	for _, side := range [][]token.Token{c.Original, c.Edited} {
		for _, t := range side {
			switch t.Kind {
			case token.Whitespace:
			case token.Punctuation, token.Hyphen:
				seen = true
			default:
				return false
			}
		}
	}
	return seen
}

// IsWhitespaceOnly reports whether both sides consist solely of whitespace.
func (c Change) IsWhitespaceOnly() bool {
	for _, side := range [][]token.Token{c.Original, c.Edited} {
		for _, t := range side {
			if t.Kind != token.Whitespace {
				return false
			}
		}
	}
	return true
}

// Cascade groups nearby changes that belong to one editing burst.
type Cascade struct {
	Changes []Change

	// Start and End are the first and last change positions in the group.
	Start int
	End   int
}

// groupCascades merges consecutive changes whose positions are at most gap
// tokens apart.
func groupCascades(changes []Change, gap int) []Cascade {
	if len(changes) == 0 {
		return nil
	}
	var out []Cascade
	cur := Cascade{Changes: []Change{changes[0]}, Start: changes[0].Position, End: changes[0].Position}
	for _, c := range changes[1:] {
		if c.Position-cur.End <= gap {
			cur.Changes = append(cur.Changes, c)
			cur.End = c.Position
			continue
		}
		out = append(out, cur)
		cur = Cascade{Changes: []Change{c}, Start: c.Position, End: c.Position}
	}
	return append(out, cur)
}
