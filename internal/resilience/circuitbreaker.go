// Package resilience guards calls to the pattern storage backend with a
// circuit breaker, so that a broken database or disk fails fast instead of
// stalling every learned edit.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker is open or its half-open probe budget is spent.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until ResetTimeout has passed since the last
	// failure.
	StateOpen
	// StateHalfOpen lets up to HalfOpenMax probes through. A failed probe
	// reopens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures consecutive failures open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the open period. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget. Default 3.
	HalfOpenMax int

	Clock clock.Clock

	// OnStateChange runs after each transition with the breaker locked. It
	// must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Counts is a snapshot of breaker accounting.
type Counts struct {
	ConsecutiveFailures int
	// Rejected counts calls refused with ErrCircuitOpen since creation.
	Rejected int
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
	rejected  int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute calls fn unless the breaker refuses it. An error caused by ctx
// being cancelled or timing out is returned but counted neither as a failure
// nor as a success, so a shutdown cannot trip the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err != nil && ctx.Err() != nil:
		if probe {
			cb.probes--
		}
	case err != nil:
		cb.fail(probe)
	default:
		cb.succeed(probe)
	}
	return err
}

// admit reserves a call slot and reports whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Clock.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.rejected++
			return false, ErrCircuitOpen
		}
		cb.probes, cb.probeWins = 0, 0
		cb.setState(StateHalfOpen)
		slog.Info("resilience: probing backend", "breaker", cb.cfg.Name)
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		cb.rejected++
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

// fail must be called with mu held.
func (cb *CircuitBreaker) fail(probe bool) {
	cb.failures++
	if !probe && (cb.state != StateClosed || cb.failures < cb.cfg.MaxFailures) {
		return
	}
	cb.openedAt = cb.cfg.Clock.Now()
	cb.setState(StateOpen)
	slog.Warn("resilience: circuit opened",
		"breaker", cb.cfg.Name,
		"consecutive_failures", cb.failures,
		"retry_after", cb.cfg.ResetTimeout,
	)
}

// succeed must be called with mu held.
func (cb *CircuitBreaker) succeed(probe bool) {
	if !probe {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		return
	}
	cb.probeWins++
	if cb.state == StateHalfOpen && cb.probeWins >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		cb.setState(StateClosed)
		slog.Info("resilience: circuit closed", "breaker", cb.cfg.Name)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Counts returns the current accounting.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{ConsecutiveFailures: cb.failures, Rejected: cb.rejected}
}

// Reset closes the breaker and clears its failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.probes, cb.probeWins = 0, 0, 0
	cb.setState(StateClosed)
}
