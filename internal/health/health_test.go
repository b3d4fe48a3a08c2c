package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/editlearn/internal/health"
)

type probeBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(t *testing.T, h *health.Handler, path string) (int, probeBody) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body probeBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "pattern_store", Check: failing("down")})
	code, body := probe(t, h, "/healthz")
	if code != http.StatusOK || body.Status != health.StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok regardless of checks", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []health.Checker
		draining   bool
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				health.PingChecker("pattern_store", pinger{}),
				{Name: "focused_source", Advisory: true, Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusOK,
			wantChecks: map[string]string{"pattern_store": "ok", "focused_source": "ok"},
		},
		{
			name: "required fails",
			checkers: []health.Checker{
				health.PingChecker("pattern_store", pinger{err: errors.New("connection refused")}),
				{Name: "focused_source", Advisory: true, Check: ok},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusFail,
			wantChecks: map[string]string{"pattern_store": "fail: connection refused", "focused_source": "ok"},
		},
		{
			name: "advisory fails",
			checkers: []health.Checker{
				health.PingChecker("pattern_store", pinger{}),
				{Name: "focused_source", Advisory: true, Check: failing("clipboard only")},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusDegraded,
			wantChecks: map[string]string{"pattern_store": "ok", "focused_source": "warn: clipboard only"},
		},
		{
			name: "required and advisory fail",
			checkers: []health.Checker{
				{Name: "pattern_store", Check: failing("breaker open")},
				{Name: "focused_source", Advisory: true, Check: failing("clipboard only")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusFail,
		},
		{
			name:       "draining",
			checkers:   []health.Checker{health.PingChecker("pattern_store", pinger{})},
			draining:   true,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusFail,
			wantChecks: map[string]string{"pattern_store": "ok", "shutdown": "fail: draining"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := health.New(tt.checkers...)
			h.SetDraining(tt.draining)
			code, body := probe(t, h, "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_DrainingCanBeCleared(t *testing.T) {
	t.Parallel()
	h := health.New()
	h.SetDraining(true)
	h.SetDraining(false)
	if code, _ := probe(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz = %d after clearing drain", code)
	}
}

func TestReadyz_CheckDeadline(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "pattern_store", Check: func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok || time.Until(dl) > 5*time.Second {
			return errors.New("missing deadline")
		}
		return nil
	}})
	code, body := probe(t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz = %d, checks %v", code, body.Checks)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var checkers []health.Checker
	for _, name := range []string{"a", "b"} {
		checkers = append(checkers, health.Checker{Name: name, Check: func(ctx context.Context) error {
			select {
			case release <- struct{}{}:
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}})
	}
	code, body := probe(t, health.New(checkers...), "/readyz")
	if code != http.StatusOK {
		t.Errorf("readyz = %d, checks %v; checks did not meet", code, body.Checks)
	}
	if !strings.HasPrefix(body.Checks["a"], "ok") {
		t.Errorf("check a = %q", body.Checks["a"])
	}
}
