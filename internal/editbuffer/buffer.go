// Package editbuffer accumulates text snapshots observed during one editing
// session and decides, with adaptive debouncing, when the user has finished
// editing.
//
// Every [Buffer.Add] restarts a debounce timer whose duration depends on how
// quickly snapshots have been arriving: fast bursts (typing) get a short
// window, slow trickles get a longer one. When the timer fires, or when
// [Buffer.Flush] is called, the first and last snapshots are compared and an
// [Edit] is emitted if they differ. A quiet window that ends with the text
// back at its first snapshot emits nothing and keeps that snapshot as the
// baseline for later edits.
package editbuffer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// maxGaps is the number of recent inter-snapshot gaps kept for averaging.
	maxGaps = 10

	fastGap = 100 * time.Millisecond
	slowGap = 300 * time.Millisecond

	fastDebounce    = 1500 * time.Millisecond
	defaultDebounce = 2 * time.Second
	slowDebounce    = 3 * time.Second
)

// Snapshot is one observed version of the text.
type Snapshot struct {
	At   time.Time
	Text string
}

// Edit is a completed edit emitted by the buffer.
type Edit struct {
	// Original is the text the session started with.
	Original string

	// Final is the last observed snapshot.
	Final string

	// Snapshots is how many snapshots contributed to this edit.
	Snapshots int

	// Debounce is the quiet window that was in effect when the edit was
	// emitted. Zero for explicit flushes.
	Debounce time.Duration
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Buffer) {
		if c != nil {
			b.clock = c
		}
	}
}

// Buffer collects snapshots for one original text. It is safe for concurrent
// use. emit is called without the snapshot lock held, and emissions never
// overlap: Flush returns only after a concurrently firing timer has finished
// emitting.
type Buffer struct {
	original string
	emit     func(Edit)
	clock    clock.Clock

	emitMu sync.Mutex

	mu        sync.Mutex
	snapshots []Snapshot
	gaps      []time.Duration
	timer     *clock.Timer
	debounce  time.Duration
	gen       uint64
	stopped   bool
}

// New returns a Buffer for original. emit is invoked once per completed edit
// and may be nil.
func New(original string, emit func(Edit), opts ...Option) *Buffer {
	b := &Buffer{
		original: original,
		emit:     emit,
		clock:    clock.New(),
		debounce: defaultDebounce,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// DebounceFor selects the debounce window from the average of gaps:
// under 100ms → 1.5s, under 300ms → 2s, otherwise 3s. An empty history
// yields 2s.
func DebounceFor(gaps []time.Duration) time.Duration {
	if len(gaps) == 0 {
		return defaultDebounce
	}
	var sum time.Duration
	for _, g := range gaps {
		sum += g
	}
	avg := sum / time.Duration(len(gaps))
	switch {
	case avg < fastGap:
		return fastDebounce
	case avg < slowGap:
		return defaultDebounce
	default:
		return slowDebounce
	}
}

// Add records text as a new snapshot and restarts the debounce timer.
// Calls after [Buffer.Stop] are ignored.
func (b *Buffer) Add(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	now := b.clock.Now()
	if n := len(b.snapshots); n > 0 {
		b.gaps = append(b.gaps, now.Sub(b.snapshots[n-1].At))
		if len(b.gaps) > maxGaps {
			b.gaps = b.gaps[len(b.gaps)-maxGaps:]
		}
	}
	b.snapshots = append(b.snapshots, Snapshot{At: now, Text: text})

	b.debounce = DebounceFor(b.gaps)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.debounce, func() { b.fire(gen) })
}

// Debounce returns the window chosen on the most recent Add.
func (b *Buffer) Debounce() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debounce
}

// Len returns the number of pending snapshots.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}

// Flush forces emission of whatever has been accumulated. It reports whether
// an edit was emitted.
func (b *Buffer) Flush() bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	edit, ok := b.take(0)
	b.mu.Unlock()

	if ok && b.emit != nil {
		b.emit(edit)
	}
	return ok
}

// Stop cancels the pending timer and discards all snapshots without
// emitting. Subsequent Adds are ignored.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	b.reset()
}

// fire runs when a debounce timer expires. Stale timers, superseded by a
// later Add, Flush or Stop, are ignored.
func (b *Buffer) fire(gen uint64) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if gen != b.gen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	edit, ok := b.take(b.debounce)
	b.mu.Unlock()

	if ok && b.emit != nil {
		b.emit(edit)
	}
}

// take compares the first and last snapshot. An edit clears all state;
// otherwise only the last snapshot is kept, as the baseline. Must be called
// with b.mu held.
func (b *Buffer) take(debounce time.Duration) (Edit, bool) {
	n := len(b.snapshots)
	if n == 0 {
		return Edit{}, false
	}
	first, last := b.snapshots[0].Text, b.snapshots[n-1].Text
	if first == last {
		b.snapshots = []Snapshot{b.snapshots[n-1]}
		b.gaps = nil
		return Edit{}, false
	}
	defer b.reset()
	return Edit{
		Original:  b.original,
		Final:     last,
		Snapshots: n,
		Debounce:  debounce,
	}, true
}

// reset clears snapshot and gap state. Must be called with b.mu held.
func (b *Buffer) reset() {
	b.snapshots = nil
	b.gaps = nil
}
