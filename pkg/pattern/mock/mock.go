// Package mock provides an in-memory test double for [pattern.Backend].
//
// The mock records every method call for assertion in tests and keeps saved
// patterns in a map so that Load returns what was previously saved. Exported
// *Err fields inject failures. All methods are safe for concurrent use.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	backend.SaveErr = errors.New("disk full")
//
//	// inject backend into the system under test …
//
//	if got := backend.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/MrWong99/editlearn/pkg/pattern"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Backend is a configurable test double for [pattern.Backend].
type Backend struct {
	mu sync.Mutex

	calls  []Call
	stored map[string]pattern.Pattern
	closed bool

	// LoadErr is returned by [Backend.Load] when non-nil.
	LoadErr error

	// SaveErr is returned by [Backend.Save] when non-nil. The patterns are
	// not stored in that case.
	SaveErr error

	// DeleteErr is returned by [Backend.Delete] when non-nil.
	DeleteErr error

	// PingErr is returned by [Backend.Ping] when non-nil.
	PingErr error
}

// Ensure Backend satisfies the interface at compile time.
var _ pattern.Backend = (*Backend)(nil)

// Seed stores patterns without recording a call.
func (m *Backend) Seed(patterns ...pattern.Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(patterns)
}

func (m *Backend) put(patterns []pattern.Pattern) {
	if m.stored == nil {
		m.stored = make(map[string]pattern.Pattern)
	}
	for _, p := range patterns {
		m.stored[p.ID] = p
	}
}

// Stored returns the currently stored patterns ordered by ID.
func (m *Backend) Stored() []pattern.Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Backend) snapshot() []pattern.Pattern {
	out := make([]pattern.Pattern, 0, len(m.stored))
	for _, p := range m.stored {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Backend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Backend) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Closed reports whether Close has been called.
func (m *Backend) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Load implements [pattern.Backend].
func (m *Backend) Load(context.Context) ([]pattern.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Load"})
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.snapshot(), nil
}

// Save implements [pattern.Backend].
func (m *Backend) Save(_ context.Context, patterns ...pattern.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := make([]any, len(patterns))
	for i, p := range patterns {
		args[i] = p
	}
	m.calls = append(m.calls, Call{Method: "Save", Args: args})
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.put(patterns)
	return nil
}

// Delete implements [pattern.Backend].
func (m *Backend) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	m.calls = append(m.calls, Call{Method: "Delete", Args: args})
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, id := range ids {
		delete(m.stored, id)
	}
	return nil
}

// Ping implements [pattern.Backend].
func (m *Backend) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [pattern.Backend].
func (m *Backend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	m.closed = true
	return nil
}
