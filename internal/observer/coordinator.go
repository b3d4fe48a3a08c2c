// Package observer watches externally owned text after it has been pasted
// and reports whether, and how, the user edited it.
//
// A [Coordinator] runs at most one observation session at a time. Each
// session races a fast clipboard poller against a slower focused-element
// source (polled, or pushed when the source implements
// [capture.Subscriber]). The first source to see text that differs
// significantly from the original resolves the session; the other is
// cancelled. Sessions that see no significant edit end when their timeout
// elapses, which scales with the length of the text.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/editlearn/internal/editbuffer"
	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/pkg/capture"
)

const (
	// DefaultClipboardInterval is the fast source poll interval.
	DefaultClipboardInterval = 500 * time.Millisecond

	// DefaultFocusedInterval is the slow source poll interval.
	DefaultFocusedInterval = 5 * time.Second

	// MinTimeout and MaxTimeout bound a session's observation window.
	MinTimeout = 2 * time.Minute
	MaxTimeout = 10 * time.Minute

	// charsPerMinute is the assumed editing speed used to size the window.
	charsPerMinute = 100
)

var (
	// ErrStaleSession is returned by [Coordinator.Stop] for a handle that is
	// not the active session.
	ErrStaleSession = errors.New("observer: stale session")

	// ErrClosed is returned by [Coordinator.Start] after Close.
	ErrClosed = errors.New("observer: coordinator closed")

	// errResolved stops a watcher group once the session has an outcome.
	errResolved = errors.New("observer: session resolved")
)

// TimeoutFor returns the observation window for original: one minute per
// hundred characters, clamped to [MinTimeout, MaxTimeout].
func TimeoutFor(original string) time.Duration {
	n := utf8.RuneCountInString(original)
	d := time.Duration(float64(n) / charsPerMinute * float64(time.Minute))
	return min(max(d, MinTimeout), MaxTimeout)
}

// Config configures a [Coordinator].
type Config struct {
	// Clipboard is the fast source. Required.
	Clipboard capture.ClipboardReader

	// Focused is the slow source. Nil runs clipboard-only.
	Focused capture.FocusedTextReader

	// ClipboardInterval and FocusedInterval default to
	// [DefaultClipboardInterval] and [DefaultFocusedInterval].
	ClipboardInterval time.Duration
	FocusedInterval   time.Duration

	// OnComplete receives every session outcome exactly once, on a
	// goroutine owned by the coordinator.
	OnComplete func(context.Context, Outcome)

	Clock   clock.Clock
	Metrics *observe.Metrics
}

// Coordinator owns the active observation session. All methods are safe for
// concurrent use.
type Coordinator struct {
	clipboard     capture.ClipboardReader
	focused       capture.FocusedTextReader
	clipInterval  time.Duration
	focusInterval time.Duration
	onComplete    func(context.Context, Outcome)
	clock         clock.Clock
	metrics       *observe.Metrics

	// opMu serialises Start and Stop so a replaced session is fully
	// cancelled before its successor starts.
	opMu    sync.Mutex
	mu      sync.Mutex
	current *Session
	ctxs    map[*Session]context.Context
	closed  bool

	degraded atomic.Bool
	wg       sync.WaitGroup
}

// New returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Clipboard == nil {
		return nil, errors.New("observer: clipboard reader is required")
	}
	if cfg.ClipboardInterval <= 0 {
		cfg.ClipboardInterval = DefaultClipboardInterval
	}
	if cfg.FocusedInterval <= 0 {
		cfg.FocusedInterval = DefaultFocusedInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Coordinator{
		clipboard:     cfg.Clipboard,
		focused:       cfg.Focused,
		clipInterval:  cfg.ClipboardInterval,
		focusInterval: cfg.FocusedInterval,
		onComplete:    cfg.OnComplete,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		ctxs:          make(map[*Session]context.Context),
	}, nil
}

// State returns StateObserving while a session is active, otherwise
// StateIdle.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return StateObserving
	}
	return StateIdle
}

// Current returns the active session, or nil.
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Degraded reports whether the focused-text source has been found
// unavailable.
func (c *Coordinator) Degraded() bool { return c.degraded.Load() }

// Start stops any active session and begins observing original. The session
// outlives ctx's cancellation but keeps its values for logging. An empty
// original resolves immediately with [StateNoEditPossible].
func (c *Coordinator) Start(ctx context.Context, original, docType string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("observer: start: %w", err)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	if prev != nil {
		observe.Logger(ctx).Debug("observer: replacing active session", "session_id", prev.id)
		prev.stop()
	}

	id := SessionID(uuid.NewString())
	runCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), string(id), docType))
	s := &Session{
		id:        id,
		docType:   docType,
		original:  original,
		timeout:   TimeoutFor(original),
		startedAt: c.clock.Now(),
		coord:     c,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.buf = editbuffer.New(original, s.emit, editbuffer.WithClock(c.clock))

	c.mu.Lock()
	c.ctxs[s] = runCtx
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SessionsStarted.Add(ctx, 1, metric.WithAttributes(observe.Attr("document_type", docType)))
	}

	if original == "" {
		s.resolve(StateNoEditPossible, MethodNone, "")
		return s, nil
	}

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("observer: session started",
		"session_id", s.id,
		"document_type", docType,
		"timeout", s.timeout,
	)

	// The baseline snapshot lets a single changed read form an edit.
	s.observe(original, MethodNone)

	// Subscribing before Start returns guarantees that text pushed after
	// Start reaches this session.
	push := c.subscribe(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, s, push)
	}()
	return s, nil
}

// subscribe returns the push channel of the focused source, or nil when the
// source must be polled.
func (c *Coordinator) subscribe(ctx context.Context) <-chan string {
	sub, ok := c.focused.(capture.Subscriber)
	if !ok {
		return nil
	}
	ch, err := sub.Subscribe(ctx)
	if err != nil {
		observe.Logger(ctx).Debug("observer: subscribe failed, polling focused element", "err", err)
		return nil
	}
	return ch
}

// Stop ends session id, flushing any buffered edit. It returns
// [ErrStaleSession] when id is not the active session.
func (c *Coordinator) Stop(id SessionID) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.current
	if s == nil || s.id != id {
		c.mu.Unlock()
		return ErrStaleSession
	}
	c.current = nil
	c.mu.Unlock()
	s.stop()
	return nil
}

// StopCurrent ends the active session, if any, and reports whether one was
// running.
func (c *Coordinator) StopCurrent() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.stop()
	return true
}

// Close rejects further Starts, stops the active session and waits for all
// watchers and completion callbacks to return.
func (c *Coordinator) Close() {
	c.opMu.Lock()
	c.mu.Lock()
	c.closed = true
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
	c.opMu.Unlock()
	c.wg.Wait()
}

// run races the sources and the timeout until the session resolves.
func (c *Coordinator) run(ctx context.Context, s *Session, push <-chan string) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pollClipboard(gctx, s) })
	switch {
	case push != nil:
		g.Go(func() error { return c.consumePush(gctx, s, push) })
	case c.focused != nil:
		g.Go(func() error { return c.watchFocused(gctx, s) })
	}
	g.Go(func() error {
		t := c.clock.Timer(s.timeout)
		defer t.Stop()
		select {
		case <-gctx.Done():
			return nil
		case <-t.C:
			observe.Logger(ctx).Info("observer: no edit detected, no pattern learned this round",
				"timeout", s.timeout,
			)
			s.resolve(StateTimedOut, MethodNone, "")
			return errResolved
		}
	})
	_ = g.Wait()
}

func (c *Coordinator) pollClipboard(ctx context.Context, s *Session) error {
	ticker := c.clock.Ticker(c.clipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, text, err := c.clipboard.PollClipboardText(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				observe.Logger(ctx).Debug("observer: clipboard poll failed", "err", err)
				continue
			}
			if changed && s.observe(text, MethodClipboard) {
				return errResolved
			}
		}
	}
}

func (c *Coordinator) watchFocused(ctx context.Context, s *Session) error {
	ticker := c.clock.Ticker(c.focusInterval)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			text, err := c.focused.ReadFocusedEditableText(ctx)
			if errors.Is(err, capture.ErrUnavailable) {
				c.markDegraded(ctx)
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				observe.Logger(ctx).Debug("observer: focused element read failed", "err", err)
				continue
			}
			if text == last {
				continue
			}
			last = text
			if s.observe(text, MethodFocused) {
				return errResolved
			}
		}
	}
}

func (c *Coordinator) consumePush(ctx context.Context, s *Session, ch <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-ch:
			if !ok {
				return nil
			}
			if s.observe(text, MethodFocusedPush) {
				return errResolved
			}
		}
	}
}

// markDegraded logs the switch to clipboard-only observation once per
// coordinator.
func (c *Coordinator) markDegraded(ctx context.Context) {
	if c.degraded.CompareAndSwap(false, true) {
		observe.Logger(ctx).Warn("observer: focused element text unavailable, continuing with clipboard only")
	}
}

// finish detaches a resolved session and delivers its outcome.
func (c *Coordinator) finish(s *Session, out Outcome) {
	c.mu.Lock()
	wasCurrent := c.current == s
	if wasCurrent {
		c.current = nil
	}
	ctx := c.ctxs[s]
	delete(c.ctxs, s)
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	// The session context is cancelled by now; keep its values only.
	ctx = context.WithoutCancel(ctx)

	if c.metrics != nil {
		if out.State != StateNoEditPossible {
			c.metrics.ActiveSessions.Add(ctx, -1)
		}
		c.metrics.RecordSessionCompleted(ctx, out.State.String(), string(out.Method))
	}
	observe.Logger(ctx).Debug("observer: session resolved",
		"state", out.State,
		"method", out.Method,
		"snapshots", out.Snapshots,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(s.done)
		if c.onComplete != nil {
			c.onComplete(ctx, out)
		}
	}()
}
