package learner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/editlearn/internal/learner"
	"github.com/MrWong99/editlearn/internal/observer"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/pkg/pattern"
	"github.com/MrWong99/editlearn/pkg/pattern/mock"
)

const (
	original = "pls send teh quarterly report by friday"
	edited   = "please send the quarterly report by Friday"
)

// clipboard returns each queued text once.
type clipboard struct {
	mu    sync.Mutex
	queue []string
}

func (c *clipboard) push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, text)
}

func (c *clipboard) PollClipboardText(context.Context) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return false, "", nil
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	return true, t, nil
}

func newEngine(t *testing.T, backend pattern.Backend) (*learner.Engine, *clipboard, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := patternstore.Open(context.Background(), backend, patternstore.WithClock(clk))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clip := &clipboard{}
	e, err := learner.New(learner.Config{Store: store, Clipboard: clip, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e, clip, clk
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := learner.New(learner.Config{Clipboard: &clipboard{}}); err == nil {
		t.Fatal("New accepted a nil store")
	}
}

func TestLearn_Decisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name        string
		orig, edit  string
		wantLearned bool
		wantReason  string
	}{
		{"unchanged", original, original, false, learner.ReasonUnchanged},
		{"minor", original, original + ".", false, learner.ReasonMinor},
		{"unrelated text", "the cat sat on the mat", "quarterly revenue grew sharply overseas", false, learner.ReasonNoise},
		{"real correction", original, edited, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, _, _ := newEngine(t, nil)
			res, err := e.Learn(ctx, "email", tt.orig, tt.edit)
			if err != nil {
				t.Fatalf("Learn: %v", err)
			}
			if res.Learned != tt.wantLearned || res.Reason != tt.wantReason {
				t.Errorf("Learn = learned %v reason %q, want %v %q", res.Learned, res.Reason, tt.wantLearned, tt.wantReason)
			}
			if tt.wantLearned && (!res.Created || res.Changes == 0) {
				t.Errorf("learned result = %+v", res)
			}
		})
	}
}

func TestLearn_StoreFailure(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t, &mock.Backend{SaveErr: errors.New("disk full")})

	res, err := e.Learn(context.Background(), "email", original, edited)
	if err == nil {
		t.Fatal("Learn returned nil error on backend failure")
	}
	if res.Learned || res.Reason != learner.ReasonStoreFailed {
		t.Errorf("result = %+v, want store_failed", res)
	}
	if st := e.Stats(); st.Discarded != 1 || st.Learned != 0 {
		t.Errorf("stats learned/discarded = %d/%d, want 0/1", st.Learned, st.Discarded)
	}
}

// observe runs one observation session in which the user replaces the
// pasted text with edit.
func observe(t *testing.T, e *learner.Engine, clip *clipboard, clk *clock.Mock, edit string) observer.Outcome {
	t.Helper()
	s, err := e.StartObservation(context.Background(), original, "email")
	if err != nil {
		t.Fatalf("StartObservation: %v", err)
	}
	clip.push(edit)

	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-s.Done():
			out, _ := s.Outcome()
			return out
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("observation did not resolve")
		}
		clk.Add(500 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEnd_LearnsAndApplies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := &mock.Backend{}
	e, clip, clk := newEngine(t, backend)

	out := observe(t, e, clip, clk, edited)
	if out.State != observer.StateDetected {
		t.Fatalf("first session = %v, want detected", out.State)
	}
	ps := e.Store().Patterns("email")
	if len(ps) != 1 || ps[0].Frequency != 1 {
		t.Fatalf("after first session patterns = %+v, want one with frequency 1", ps)
	}
	firstConf := ps[0].Confidence

	clk.Add(time.Hour)
	observe(t, e, clip, clk, edited)
	ps = e.Store().Patterns("email")
	if len(ps) != 1 || ps[0].Frequency != 2 {
		t.Fatalf("after second session patterns = %+v, want frequency 2", ps)
	}
	if ps[0].Confidence <= firstConf {
		t.Errorf("confidence %v did not grow from %v", ps[0].Confidence, firstConf)
	}
	if len(backend.Stored()) != 1 {
		t.Errorf("backend holds %d patterns, want 1", len(backend.Stored()))
	}

	// Two observations give confidence ~0.46, below the 0.7 default.
	const text = "pls check teh numbers"
	if got := e.ApplyLearned(ctx, text, "email"); got != text {
		t.Errorf("ApplyLearned below threshold = %q, want unchanged", got)
	}
	res := e.Rewrite(ctx, text, "email", 0.4)
	if res.Text != "please check the numbers" || res.Applied != 2 {
		t.Errorf("Rewrite = %+v", res)
	}

	st := e.Stats()
	if st.Sessions["detected"] != 2 || st.Learned != 2 || st.Patterns != 1 {
		t.Errorf("stats = %+v", st)
	}
	if top := e.TopPatterns("email", 5); len(top) != 1 || top[0].EditedText != edited {
		t.Errorf("TopPatterns = %+v", top)
	}
	if last, ok := e.LastResult(); !ok || !last.Learned || last.Created {
		t.Errorf("LastResult = %+v, %v", last, ok)
	}
}

func TestStopObservation(t *testing.T) {
	t.Parallel()
	e, _, _ := newEngine(t, nil)

	if e.StopObservation() {
		t.Error("StopObservation reported a session while idle")
	}
	s, err := e.StartObservation(context.Background(), original, "email")
	if err != nil {
		t.Fatal(err)
	}
	if e.Observation() != s {
		t.Fatal("Observation() is not the started session")
	}
	if !e.StopObservation() {
		t.Fatal("StopObservation found no session")
	}
	out, err := s.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != observer.StateCancelled {
		t.Errorf("state = %v, want cancelled", out.State)
	}
	if err := e.StopSession(s.ID()); !errors.Is(err, observer.ErrStaleSession) {
		t.Errorf("StopSession(stale) = %v", err)
	}
}

func TestResetPatterns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e, _, _ := newEngine(t, &mock.Backend{})

	if _, err := e.Learn(ctx, "email", original, edited); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Learn(ctx, "chat", "thanks for ur help today", "thanks for your help today!"); err != nil {
		t.Fatal(err)
	}
	n, err := e.ResetPatterns(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if e.Store().Len() != 0 {
		t.Errorf("store holds %d patterns after reset (removed %d)", e.Store().Len(), n)
	}
}
