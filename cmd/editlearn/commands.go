package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/MrWong99/editlearn/internal/app"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/internal/recognizer"
	"github.com/MrWong99/editlearn/internal/replace"
	"github.com/MrWong99/editlearn/internal/semdiff"
	"github.com/MrWong99/editlearn/internal/similarity"
	"github.com/MrWong99/editlearn/pkg/pattern/jsonl"
)

var (
	colorHigh   = color.New(color.FgGreen)
	colorMedium = color.New(color.FgYellow)
	colorLow    = color.New(color.FgRed)
	colorHeader = color.New(color.FgWhite, color.Bold)
	colorDelete = color.New(color.FgRed)
	colorInsert = color.New(color.FgGreen)
)

// offline bundles the flags shared by commands that open the pattern store
// directly instead of talking to a running service.
type offline struct {
	fs         *flag.FlagSet
	configPath *string
	explicit   func() bool
	noColor    *bool
}

func newOffline(name string) *offline {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	o := &offline{fs: fs}
	o.configPath, o.explicit = configFlag(fs)
	o.noColor = fs.Bool("no-color", false, "disable colored output")
	return o
}

func (o *offline) parse(args []string) error {
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	if *o.noColor {
		color.NoColor = true
	}
	return nil
}

// openStore loads the configured backend into a pattern store. The caller
// closes the store.
func (o *offline) openStore(ctx context.Context) (*patternstore.Store, error) {
	cfg, err := loadConfig(*o.configPath, o.explicit())
	if err != nil {
		return nil, err
	}
	backend, err := app.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	store, err := patternstore.Open(ctx, backend)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	return store, nil
}

func confidenceColor(c float64) *color.Color {
	switch {
	case c >= replace.DefaultMinConfidence:
		return colorHigh
	case c >= recognizer.DefaultPruneMinConfidence:
		return colorMedium
	default:
		return colorLow
	}
}

func runTop(args []string, stdout io.Writer) error {
	o := newOffline("top")
	o.fs.SetOutput(stdout)
	docType := o.fs.String("document-type", "", "only list patterns of this document type")
	limit := o.fs.Int("limit", 10, "maximum number of patterns (0 lists all)")
	if err := o.parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	top := recognizer.New(recognizer.Config{Store: store}).TopPatterns(*docType, *limit)
	if len(top) == 0 {
		fmt.Fprintln(stdout, "no patterns learned yet")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	colorHeader.Fprintln(tw, "CONFIDENCE\tSEEN\tTYPE\tLAST SEEN\tEDIT")
	for _, p := range top {
		conf := confidenceColor(p.Confidence).Sprintf("%.2f", p.Confidence)
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			conf, p.Frequency, p.DocumentType, p.LastSeen.Format("2006-01-02"),
			colorDiff(semdiff.Render(p.OriginalText, p.EditedText)),
		)
	}
	return tw.Flush()
}

func runApply(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	o := newOffline("apply")
	o.fs.SetOutput(stderr)
	docType := o.fs.String("document-type", "", "document type whose patterns are applied (required)")
	minConf := o.fs.Float64("min-confidence", replace.DefaultMinConfidence, "minimum pattern confidence")
	if err := o.parse(args); err != nil {
		return err
	}
	if *docType == "" {
		return errors.New("-document-type is required")
	}

	text := strings.Join(o.fs.Args(), " ")
	if text == "" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(b), "\n")
	}

	ctx := context.Background()
	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	res := replace.New(store).Rewrite(ctx, text, *docType, *minConf)
	if res.Refused {
		colorLow.Fprintf(stderr, "learned patterns refused (%s); consider `editlearn reset`\n", res.Reason)
	}
	fmt.Fprintln(stdout, res.Text)
	return nil
}

func runReset(args []string, stdout io.Writer) error {
	o := newOffline("reset")
	o.fs.SetOutput(stdout)
	docType := o.fs.String("document-type", "", "only reset patterns of this document type")
	if err := o.parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Reset(ctx, *docType)
	if err != nil {
		return err
	}
	scope := "all document types"
	if *docType != "" {
		scope = *docType
	}
	fmt.Fprintf(stdout, "removed %d patterns (%s)\n", n, scope)
	return nil
}

func runDiff(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(stdout)
	noColor := fs.Bool("no-color", false, "disable colored output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *noColor {
		color.NoColor = true
	}
	if fs.NArg() != 2 {
		return errors.New("usage: editlearn diff original edited")
	}
	original, edited := fs.Arg(0), fs.Arg(1)

	res := semdiff.New().Diff(original, edited)
	significant := similarity.IsSignificant(original, edited) && res.Significant()

	fmt.Fprintln(stdout, colorDiff(semdiff.Render(original, edited)))
	fmt.Fprintf(stdout, "similarity: %.3f\n", similarity.Score(original, edited))
	if res.Rejected != semdiff.NotRejected {
		fmt.Fprintf(stdout, "rejected:   %s\n", res.Rejected)
	}
	fmt.Fprintf(stdout, "changes:    %d (%d dropped as noise, %d cascades)\n", len(res.Changes), res.Dropped, len(res.Cascades))
	for _, c := range res.Changes {
		fmt.Fprintf(stdout, "  %q -> %q\n", c.OriginalText(), c.EditedText())
	}
	if significant {
		colorHigh.Fprintln(stdout, "would learn: yes")
	} else {
		colorLow.Fprintln(stdout, "would learn: no")
	}
	return nil
}

func runImport(args []string, stdout io.Writer) error {
	o := newOffline("import")
	o.fs.SetOutput(stdout)
	if err := o.parse(args); err != nil {
		return err
	}
	if o.fs.NArg() != 1 {
		return errors.New("usage: editlearn import [-config path] file.jsonl")
	}

	ctx := context.Background()
	patterns, err := jsonl.New(o.fs.Arg(0)).Load(ctx)
	if err != nil {
		return err
	}

	store, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Replace(ctx, patterns); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d patterns\n", len(patterns))
	return nil
}

// colorDiff colors the [-deleted-] and {+inserted+} spans of a rendered
// diff.
func colorDiff(s string) string {
	if color.NoColor {
		return s
	}
	var b strings.Builder
	for s != "" {
		del := strings.Index(s, "[-")
		ins := strings.Index(s, "{+")
		start, closer, c := del, "-]", colorDelete
		if del < 0 || (ins >= 0 && ins < del) {
			start, closer, c = ins, "+}", colorInsert
		}
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+2:], closer)
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start + 2 + len(closer)
		b.WriteString(s[:start])
		b.WriteString(c.Sprint(s[start:end]))
		s = s[end:]
	}
	return b.String()
}
