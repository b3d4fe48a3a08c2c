package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/editlearn/internal/api"
	"github.com/MrWong99/editlearn/internal/learner"
	"github.com/MrWong99/editlearn/internal/observer"
	"github.com/MrWong99/editlearn/internal/patternstore"
	"github.com/MrWong99/editlearn/internal/replace"
	"github.com/MrWong99/editlearn/pkg/capture"
	"github.com/MrWong99/editlearn/pkg/pattern"
	"github.com/MrWong99/editlearn/pkg/pattern/mock"
)

const (
	original = "pls send teh quarterly report by friday"
	edited   = "please send the quarterly report by Friday"
)

var quietClipboard = capture.ClipboardFunc(func(context.Context) (bool, string, error) {
	return false, "", nil
})

type fixture struct {
	eng     *learner.Engine
	push    *capture.Push
	backend *mock.Backend
	mux     *http.ServeMux
}

func newFixture(t *testing.T, withPush bool) *fixture {
	t.Helper()
	backend := &mock.Backend{}
	store, err := patternstore.Open(context.Background(), backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f := &fixture{backend: backend, mux: http.NewServeMux()}
	cfg := learner.Config{Store: store, Clipboard: quietClipboard}
	var pub api.Publisher
	if withPush {
		f.push = capture.NewPush()
		cfg.Focused = f.push
		pub = f.push
	}
	f.eng, err = learner.New(cfg)
	if err != nil {
		t.Fatalf("learner.New: %v", err)
	}
	t.Cleanup(f.eng.Close)
	api.New(f.eng, pub).Register(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestLearnAndApply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	edit := map[string]string{
		"document_type": "email",
		"original_text": original,
		"edited_text":   edited,
	}
	for i := range 2 {
		rec := f.do(t, http.MethodPost, "/v1/edits", edit)
		if rec.Code != http.StatusOK {
			t.Fatalf("edit %d: status %d: %s", i, rec.Code, rec.Body)
		}
		res := decodeBody[learner.LearnResult](t, rec)
		if !res.Learned || res.Created != (i == 0) {
			t.Errorf("edit %d: result = %+v", i, res)
		}
	}

	// Default threshold: two observations are not yet trusted.
	rec := f.do(t, http.MethodPost, "/v1/apply", map[string]string{
		"text": "pls check teh numbers", "document_type": "email",
	})
	if got := decodeBody[replace.Result](t, rec); got.Text != "pls check teh numbers" {
		t.Errorf("apply at default threshold = %q", got.Text)
	}

	rec = f.do(t, http.MethodPost, "/v1/apply", map[string]any{
		"text": "pls check teh numbers", "document_type": "email", "min_confidence": 0.4,
	})
	got := decodeBody[replace.Result](t, rec)
	if got.Text != "please check the numbers" || got.Applied != 2 {
		t.Errorf("apply at 0.4 = %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/patterns?document_type=email&limit=5", nil)
	list := decodeBody[struct {
		Patterns []pattern.Pattern `json:"patterns"`
	}](t, rec)
	if len(list.Patterns) != 1 || list.Patterns[0].Frequency != 2 {
		t.Errorf("patterns = %+v", list.Patterns)
	}

	rec = f.do(t, http.MethodGet, "/v1/stats", nil)
	st := decodeBody[learner.Stats](t, rec)
	if st.Learned != 2 || st.Patterns != 1 {
		t.Errorf("stats = %+v", st)
	}

	rec = f.do(t, http.MethodDelete, "/v1/patterns?document_type=email", nil)
	if removed := decodeBody[map[string]int](t, rec)["removed"]; removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(f.backend.Stored()) != 0 {
		t.Error("reset left patterns in the backend")
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"empty body", http.MethodPost, "/v1/apply", nil, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/v1/apply", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/apply", map[string]string{"txt": "x"}, http.StatusBadRequest},
		{"confidence out of range", http.MethodPost, "/v1/apply", map[string]any{"text": "x", "min_confidence": 1.5}, http.StatusBadRequest},
		{"observation without type", http.MethodPost, "/v1/observations", map[string]string{"text": "x"}, http.StatusBadRequest},
		{"edit without type", http.MethodPost, "/v1/edits", map[string]string{"original_text": "a", "edited_text": "b"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/patterns?limit=-1", nil, http.StatusBadRequest},
		{"no current session", http.MethodGet, "/v1/observations/current", nil, http.StatusNotFound},
		{"stop without session", http.MethodDelete, "/v1/observations/current", nil, http.StatusNotFound},
		{"snapshots disabled", http.MethodPost, "/v1/observations/current/snapshots", map[string]string{"text": "x"}, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := f.do(t, tt.method, tt.target, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestObservationWithPushedSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodPost, "/v1/observations/current/snapshots", map[string]string{"text": "x"}); rec.Code != http.StatusConflict {
		t.Fatalf("snapshot without session: status %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/observations", map[string]string{
		"text": original, "document_type": "email",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: status %d: %s", rec.Code, rec.Body)
	}
	started := decodeBody[struct {
		SessionID observer.SessionID `json:"session_id"`
		Timeout   string             `json:"timeout"`
	}](t, rec)
	if started.SessionID == "" || started.Timeout != observer.MinTimeout.String() {
		t.Errorf("start response = %+v", started)
	}

	s := f.eng.Observation()
	if s == nil || s.ID() != started.SessionID {
		t.Fatal("engine has no matching active session")
	}
	if rec := f.do(t, http.MethodGet, "/v1/observations/current", nil); rec.Code != http.StatusOK {
		t.Errorf("current: status %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/observations/current/snapshots", map[string]string{"text": edited})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("snapshot: status %d: %s", rec.Code, rec.Body)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pushed snapshot never resolved the session")
	}

	out, _ := s.Outcome()
	if out.State != observer.StateDetected || out.Method != observer.MethodFocusedPush {
		t.Errorf("outcome = %+v", out)
	}
	if res, ok := f.eng.LastResult(); !ok || !res.Learned {
		t.Errorf("last result = %+v, %v; want learned", res, ok)
	}
	if rec := f.do(t, http.MethodGet, "/v1/observations/current", nil); rec.Code != http.StatusNotFound {
		t.Errorf("current after resolve: status %d", rec.Code)
	}
}

func TestStopObservation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, "/v1/observations", map[string]string{
		"text": original, "document_type": "email",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: status %d", rec.Code)
	}
	s := f.eng.Observation()
	if rec := f.do(t, http.MethodDelete, "/v1/observations/current", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("stop: status %d", rec.Code)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stopped session never completed")
	}
	if out, _ := s.Outcome(); out.State != observer.StateCancelled {
		t.Errorf("state = %v, want cancelled", out.State)
	}
}
