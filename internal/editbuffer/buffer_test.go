package editbuffer_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/editlearn/internal/editbuffer"
)

func TestDebounceFor(t *testing.T) {
	t.Parallel()

	ms := time.Millisecond
	tests := []struct {
		name string
		gaps []time.Duration
		want time.Duration
	}{
		{"no history", nil, 2 * time.Second},
		{"fast burst", []time.Duration{20 * ms, 50 * ms, 90 * ms}, 1500 * ms},
		{"medium", []time.Duration{150 * ms, 250 * ms}, 2 * time.Second},
		{"slow", []time.Duration{400 * ms, 800 * ms}, 3 * time.Second},
		{"boundary 100ms is not fast", []time.Duration{100 * ms}, 2 * time.Second},
		{"boundary 300ms is slow", []time.Duration{300 * ms}, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := editbuffer.DebounceFor(tt.gaps); got != tt.want {
				t.Errorf("DebounceFor(%v) = %v, want %v", tt.gaps, got, tt.want)
			}
		})
	}
}

func TestBuffer_DebounceAdaptsToBurst(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	b := editbuffer.New("orig", nil, editbuffer.WithClock(mock))
	defer b.Stop()

	b.Add("o")
	if got := b.Debounce(); got != 2*time.Second {
		t.Errorf("first snapshot debounce = %v, want 2s", got)
	}
	for _, text := range []string{"or", "ori", "orig"} {
		mock.Add(50 * time.Millisecond)
		b.Add(text)
	}
	if got := b.Debounce(); got != 1500*time.Millisecond {
		t.Errorf("fast burst debounce = %v, want 1.5s", got)
	}

	slow := editbuffer.New("orig", nil, editbuffer.WithClock(mock))
	defer slow.Stop()
	for _, text := range []string{"a", "b", "c"} {
		slow.Add(text)
		mock.Add(400 * time.Millisecond)
	}
	if got := slow.Debounce(); got != 3*time.Second {
		t.Errorf("slow debounce = %v, want 3s", got)
	}
}

func TestBuffer_EmitsAfterQuietPeriod(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	edits := make(chan editbuffer.Edit, 1)
	b := editbuffer.New("thanks for your help", func(e editbuffer.Edit) { edits <- e }, editbuffer.WithClock(mock))
	defer b.Stop()

	b.Add("thanks for your help")
	mock.Add(50 * time.Millisecond)
	b.Add("thank you for your help")

	// 1.5s window: advancing 1s must not fire.
	mock.Add(time.Second)
	select {
	case e := <-edits:
		t.Fatalf("edit emitted before debounce elapsed: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case e := <-edits:
		if e.Original != "thanks for your help" || e.Final != "thank you for your help" {
			t.Errorf("edit = %+v, want original/final pair", e)
		}
		if e.Snapshots != 2 {
			t.Errorf("Snapshots = %d, want 2", e.Snapshots)
		}
		if e.Debounce != 1500*time.Millisecond {
			t.Errorf("Debounce = %v, want 1.5s", e.Debounce)
		}
	case <-time.After(time.Second):
		t.Fatal("edit not emitted after debounce elapsed")
	}

	if b.Len() != 0 {
		t.Errorf("Len() after emit = %d, want 0", b.Len())
	}
}

func TestBuffer_LaterSnapshotRestartsTimer(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	edits := make(chan editbuffer.Edit, 2)
	b := editbuffer.New("a", func(e editbuffer.Edit) { edits <- e }, editbuffer.WithClock(mock))
	defer b.Stop()

	b.Add("a")
	mock.Add(time.Second)
	b.Add("ab") // gap 1s → 3s window

	mock.Add(2500 * time.Millisecond)
	select {
	case e := <-edits:
		t.Fatalf("stale timer fired: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case e := <-edits:
		if e.Final != "ab" {
			t.Errorf("Final = %q, want %q", e.Final, "ab")
		}
	case <-time.After(time.Second):
		t.Fatal("edit not emitted")
	}
}

func TestBuffer_FlushCursorMovementEmitsNothing(t *testing.T) {
	t.Parallel()

	emitted := 0
	b := editbuffer.New("same", func(editbuffer.Edit) { emitted++ }, editbuffer.WithClock(clock.NewMock()))
	b.Add("same text")
	b.Add("same text")
	if b.Flush() {
		t.Error("Flush() = true for identical first/last snapshot, want false")
	}
	if emitted != 0 {
		t.Errorf("emit called %d times, want 0", emitted)
	}
}

func TestBuffer_FlushEmitsImmediately(t *testing.T) {
	t.Parallel()

	var got editbuffer.Edit
	b := editbuffer.New("orig", func(e editbuffer.Edit) { got = e }, editbuffer.WithClock(clock.NewMock()))
	b.Add("orig")
	b.Add("edited")
	if !b.Flush() {
		t.Fatal("Flush() = false, want true")
	}
	if got.Final != "edited" || got.Original != "orig" {
		t.Errorf("flushed edit = %+v", got)
	}
	if b.Flush() {
		t.Error("second Flush() = true on empty buffer, want false")
	}
}

func TestBuffer_StopDiscards(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	edits := make(chan editbuffer.Edit, 1)
	b := editbuffer.New("x", func(e editbuffer.Edit) { edits <- e }, editbuffer.WithClock(mock))
	b.Add("x")
	b.Add("y")
	b.Stop()
	b.Add("z")

	mock.Add(10 * time.Second)
	select {
	case e := <-edits:
		t.Fatalf("stopped buffer emitted %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
	if b.Len() != 0 {
		t.Errorf("Len() after Stop = %d, want 0", b.Len())
	}
}

func TestBuffer_EditAfterQuietWindowKeepsBaseline(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	edits := make(chan editbuffer.Edit, 2)
	b := editbuffer.New("draft", func(e editbuffer.Edit) { edits <- e }, editbuffer.WithClock(mock))
	defer b.Stop()

	b.Add("draft")
	mock.Add(3 * time.Second)
	select {
	case e := <-edits:
		t.Fatalf("unchanged window emitted %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
	if b.Len() != 1 {
		t.Fatalf("Len() after quiet window = %d, want baseline kept", b.Len())
	}

	b.Add("draft.")
	mock.Add(5 * time.Second)
	select {
	case e := <-edits:
		if e.Original != "draft" || e.Final != "draft." {
			t.Errorf("edit = %+v, want draft -> draft.", e)
		}
		if e.Snapshots != 2 {
			t.Errorf("Snapshots = %d, want 2", e.Snapshots)
		}
	case <-time.After(time.Second):
		t.Fatal("late edit not emitted")
	}
}

func TestBuffer_FlushAfterQuietWindowEmits(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var got []editbuffer.Edit
	b := editbuffer.New("draft", func(e editbuffer.Edit) { got = append(got, e) }, editbuffer.WithClock(mock))
	defer b.Stop()

	b.Add("draft")
	mock.Add(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	b.Add("draft.")
	if !b.Flush() {
		t.Fatal("Flush() = false after a late edit, want true")
	}
	if len(got) != 1 || got[0].Final != "draft." {
		t.Errorf("emitted %+v, want one edit ending in %q", got, "draft.")
	}
}
