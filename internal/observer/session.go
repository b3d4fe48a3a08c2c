package observer

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/editlearn/internal/editbuffer"
	"github.com/MrWong99/editlearn/internal/similarity"
)

// State is a coordinator or session state.
type State int

const (
	StateIdle State = iota
	StateObserving
	StateDetected
	StateTimedOut
	StateCancelled
	StateNoEditPossible
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateObserving:
		return "observing"
	case StateDetected:
		return "detected"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateNoEditPossible:
		return "no_edit_possible"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Method names the source that resolved a session.
type Method string

const (
	MethodNone        Method = ""
	MethodClipboard   Method = "clipboard"
	MethodFocused     Method = "focused_element"
	MethodFocusedPush Method = "focused_element_push"
	MethodDebounce    Method = "debounce"
)

// SessionID identifies one observation session.
type SessionID string

// Outcome is the final result of a session.
type Outcome struct {
	SessionID    SessionID `json:"session_id"`
	State        State     `json:"state"`
	Method       Method    `json:"method,omitempty"`
	DocumentType string    `json:"document_type"`
	OriginalText string    `json:"original_text"`

	// EditedText is the detected edit, or for cancelled sessions the last
	// text flushed from the edit buffer. Empty when nothing was observed.
	EditedText string `json:"edited_text,omitempty"`

	Snapshots int       `json:"snapshots"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Changed reports whether the outcome carries an edit of the original.
func (o Outcome) Changed() bool {
	return o.EditedText != "" && o.EditedText != o.OriginalText
}

// Session is the handle of one observation. It is resolved exactly once.
type Session struct {
	id        SessionID
	docType   string
	original  string
	timeout   time.Duration
	startedAt time.Time

	coord  *Coordinator
	cancel context.CancelFunc
	buf    *editbuffer.Buffer
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	snapshots int
	flushed   string
	outcome   Outcome
	resolved  bool
}

// ID returns the session handle.
func (s *Session) ID() SessionID { return s.id }

// DocumentType returns the document type being observed.
func (s *Session) DocumentType() string { return s.docType }

// OriginalText returns the text the session watches.
func (s *Session) OriginalText() string { return s.original }

// Timeout returns the session's observation window.
func (s *Session) Timeout() time.Duration { return s.timeout }

// StartedAt returns when the session began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session is resolved and the completion callback
// has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshots returns the number of snapshots observed so far, including the
// baseline.
func (s *Session) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

// Outcome returns the session result and whether it has been resolved.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.resolved
}

// Wait blocks until the session resolves or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		out, _ := s.Outcome()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// observe feeds text into the edit buffer and resolves the session when the
// text differs significantly from the original. It reports whether the
// session is resolved.
func (s *Session) observe(text string, m Method) bool {
	s.mu.Lock()
	resolved := s.resolved
	s.mu.Unlock()
	if resolved {
		return true
	}

	s.buf.Add(text)
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
	if similarity.IsSignificant(s.original, text) {
		s.resolve(StateDetected, m, text)
		return true
	}
	return false
}

// emit receives debounced edits from the buffer.
func (s *Session) emit(e editbuffer.Edit) {
	s.mu.Lock()
	s.flushed = e.Final
	s.mu.Unlock()
	if similarity.IsSignificant(s.original, e.Final) {
		s.resolve(StateDetected, MethodDebounce, e.Final)
	}
}

// stop flushes the buffer and resolves the session as cancelled unless the
// flush already produced a significant edit.
func (s *Session) stop() {
	s.buf.Flush()
	s.mu.Lock()
	flushed := s.flushed
	s.mu.Unlock()
	s.resolve(StateCancelled, MethodNone, flushed)
}

// resolve records the outcome once, hands it to the coordinator for
// delivery and cancels the watchers.
func (s *Session) resolve(state State, m Method, edited string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.resolved = true
		s.outcome = Outcome{
			SessionID:    s.id,
			State:        state,
			Method:       m,
			DocumentType: s.docType,
			OriginalText: s.original,
			EditedText:   edited,
			Snapshots:    s.snapshots,
			StartedAt:    s.startedAt,
			EndedAt:      s.coord.clock.Now(),
		}
		out := s.outcome
		s.mu.Unlock()

		s.coord.finish(s, out)
		if s.cancel != nil {
			s.cancel()
		}
		s.buf.Stop()
	})
}
