package semdiff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Render returns a compact inline diff of original and edited for logs and
// the CLI. Deletions are wrapped as [-text-] and insertions as {+text+}.
func Render(original, edited string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, edited, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(d.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("{+")
			b.WriteString(d.Text)
			b.WriteString("+}")
		}
	}
	return b.String()
}
