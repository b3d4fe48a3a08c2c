package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/editlearn/internal/resilience"
)

var errBackend = errors.New("backend down")

func succeed(context.Context) error { return nil }
func failure(context.Context) error { return errBackend }

func newBreaker(mock *clock.Mock, onChange func(string, resilience.State, resilience.State)) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "pattern-backend",
		MaxFailures:   3,
		ResetTimeout:  10 * time.Second,
		HalfOpenMax:   2,
		Clock:         mock,
		OnStateChange: onChange,
	})
}

// trip opens b by failing MaxFailures times.
func trip(t *testing.T, b *resilience.CircuitBreaker) {
	t.Helper()
	for range 3 {
		_ = b.Execute(context.Background(), failure)
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("state = %s after tripping, want open", b.State())
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "defaults"})
	if b.Name() != "defaults" || b.State() != resilience.StateClosed {
		t.Fatalf("new breaker = %s %s", b.Name(), b.State())
	}
	for i := range 4 {
		if err := b.Execute(context.Background(), failure); !errors.Is(err, errBackend) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if b.State() != resilience.StateClosed {
		t.Errorf("opened after 4 failures, default threshold is 5")
	}
	_ = b.Execute(context.Background(), failure)
	if b.State() != resilience.StateOpen {
		t.Errorf("state = %s after 5 failures, want open", b.State())
	}
}

func TestCircuitBreaker_Sequences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		calls     []func(context.Context) error
		wantState resilience.State
		wantFails int
	}{
		{"successes stay closed", []func(context.Context) error{succeed, succeed}, resilience.StateClosed, 0},
		{"below threshold", []func(context.Context) error{failure, failure}, resilience.StateClosed, 2},
		{"success resets streak", []func(context.Context) error{failure, failure, succeed, failure, failure}, resilience.StateClosed, 2},
		{"threshold opens", []func(context.Context) error{failure, failure, failure}, resilience.StateOpen, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newBreaker(clock.NewMock(), nil)
			for _, fn := range tt.calls {
				_ = b.Execute(context.Background(), fn)
			}
			if b.State() != tt.wantState {
				t.Errorf("state = %s, want %s", b.State(), tt.wantState)
			}
			if got := b.Counts().ConsecutiveFailures; got != tt.wantFails {
				t.Errorf("consecutive failures = %d, want %d", got, tt.wantFails)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejects(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	b := newBreaker(mock, nil)
	trip(t, b)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, resilience.ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v", err, called)
	}
	if got := b.Counts().Rejected; got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}

	mock.Add(9 * time.Second)
	if b.State() != resilience.StateOpen {
		t.Errorf("state = %s before the reset timeout", b.State())
	}
	mock.Add(time.Second)
	if b.State() != resilience.StateHalfOpen {
		t.Errorf("state = %s after the reset timeout, want half-open", b.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()
	t.Run("probes close", func(t *testing.T) {
		t.Parallel()
		mock := clock.NewMock()
		b := newBreaker(mock, nil)
		trip(t, b)
		mock.Add(10 * time.Second)

		for i := range 2 {
			if err := b.Execute(context.Background(), succeed); err != nil {
				t.Fatalf("probe %d: %v", i, err)
			}
		}
		if b.State() != resilience.StateClosed || b.Counts().ConsecutiveFailures != 0 {
			t.Errorf("after probes: %s %+v", b.State(), b.Counts())
		}
	})
	t.Run("failed probe reopens", func(t *testing.T) {
		t.Parallel()
		mock := clock.NewMock()
		b := newBreaker(mock, nil)
		trip(t, b)
		mock.Add(10 * time.Second)

		if err := b.Execute(context.Background(), failure); !errors.Is(err, errBackend) {
			t.Fatalf("probe err = %v", err)
		}
		if err := b.Execute(context.Background(), succeed); !errors.Is(err, resilience.ErrCircuitOpen) {
			t.Errorf("after failed probe err = %v, want ErrCircuitOpen", err)
		}
	})
	t.Run("probe budget", func(t *testing.T) {
		t.Parallel()
		mock := clock.NewMock()
		b := newBreaker(mock, nil)
		trip(t, b)
		mock.Add(10 * time.Second)

		// Hold both probe slots open, then try a third call.
		var wg sync.WaitGroup
		started := make(chan struct{}, 2)
		release := make(chan struct{})
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = b.Execute(context.Background(), func(context.Context) error {
					started <- struct{}{}
					<-release
					return nil
				})
			}()
		}
		<-started
		<-started
		if err := b.Execute(context.Background(), succeed); !errors.Is(err, resilience.ErrCircuitOpen) {
			t.Errorf("third concurrent probe err = %v, want ErrCircuitOpen", err)
		}
		close(release)
		wg.Wait()
		if b.State() != resilience.StateClosed {
			t.Errorf("state = %s after successful probes", b.State())
		}
	})
}

func TestCircuitBreaker_CancelledCallsDoNotCount(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	b := newBreaker(mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range 5 {
		err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if b.State() != resilience.StateClosed || b.Counts().ConsecutiveFailures != 0 {
		t.Fatalf("cancelled calls counted: %s %+v", b.State(), b.Counts())
	}

	// A cancelled probe frees its slot.
	trip(t, b)
	mock.Add(10 * time.Second)
	for range 3 {
		_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	for i := range 2 {
		if err := b.Execute(context.Background(), succeed); err != nil {
			t.Fatalf("probe %d after cancelled probes: %v", i, err)
		}
	}
	if b.State() != resilience.StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	var transitions []string
	b := newBreaker(mock, func(name string, from, to resilience.State) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	})

	trip(t, b)
	mock.Add(10 * time.Second)
	_ = b.Execute(context.Background(), succeed)
	_ = b.Execute(context.Background(), succeed)
	trip(t, b)
	b.Reset()
	b.Reset()

	want := []string{
		"pattern-backend:closed->open",
		"pattern-backend:open->half-open",
		"pattern-backend:half-open->closed",
		"pattern-backend:closed->open",
		"pattern-backend:open->closed",
	}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v\nwant %v", transitions, want)
	}
	if err := b.Execute(context.Background(), succeed); err != nil {
		t.Errorf("after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
