// Package api exposes the learning engine over HTTP.
//
// Routes:
//
//	POST   /v1/observations                    start observing pasted text
//	GET    /v1/observations/current            active session, if any
//	DELETE /v1/observations/current            stop the active session
//	POST   /v1/observations/current/snapshots  push the focused element's text
//	POST   /v1/edits                           learn from an explicit edit pair
//	POST   /v1/apply                           rewrite text with learned patterns
//	GET    /v1/patterns                        list top patterns
//	DELETE /v1/patterns                        reset patterns
//	GET    /v1/stats                           engine statistics
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/editlearn/internal/learner"
	"github.com/MrWong99/editlearn/internal/observe"
	"github.com/MrWong99/editlearn/internal/observer"
	"github.com/MrWong99/editlearn/pkg/capture"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// defaultPatternLimit is used by GET /v1/patterns without a limit.
const defaultPatternLimit = 20

// Publisher receives text pushed by an external focused-element observer.
type Publisher interface {
	Publish(text string)
	Reset()
}

var _ Publisher = (*capture.Push)(nil)

// Handler serves the v1 API.
type Handler struct {
	eng  *learner.Engine
	push Publisher
}

// New returns a Handler for eng. push may be nil, in which case snapshot
// uploads are rejected.
func New(eng *learner.Engine, push Publisher) *Handler {
	return &Handler{eng: eng, push: push}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/observations", h.startObservation)
	mux.HandleFunc("GET /v1/observations/current", h.currentObservation)
	mux.HandleFunc("DELETE /v1/observations/current", h.stopObservation)
	mux.HandleFunc("POST /v1/observations/current/snapshots", h.pushSnapshot)
	mux.HandleFunc("POST /v1/edits", h.learn)
	mux.HandleFunc("POST /v1/apply", h.apply)
	mux.HandleFunc("GET /v1/patterns", h.listPatterns)
	mux.HandleFunc("DELETE /v1/patterns", h.resetPatterns)
	mux.HandleFunc("GET /v1/stats", h.stats)
}

type observationRequest struct {
	Text         string `json:"text"`
	DocumentType string `json:"document_type"`
}

type sessionResponse struct {
	SessionID    observer.SessionID `json:"session_id"`
	DocumentType string             `json:"document_type"`
	StartedAt    time.Time          `json:"started_at"`
	Timeout      string             `json:"timeout"`
	Snapshots    int                `json:"snapshots"`
	Outcome      *observer.Outcome  `json:"outcome,omitempty"`
}

func toSessionResponse(s *observer.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:    s.ID(),
		DocumentType: s.DocumentType(),
		StartedAt:    s.StartedAt(),
		Timeout:      s.Timeout().String(),
		Snapshots:    s.Snapshots(),
	}
	if out, ok := s.Outcome(); ok {
		resp.Outcome = &out
	}
	return resp
}

func (h *Handler) startObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DocumentType == "" {
		writeError(w, http.StatusBadRequest, "document_type is required")
		return
	}
	if h.push != nil {
		h.push.Reset()
	}
	s, err := h.eng.StartObservation(r.Context(), req.Text, req.DocumentType)
	if err != nil {
		if errors.Is(err, observer.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(s))
}

func (h *Handler) currentObservation(w http.ResponseWriter, _ *http.Request) {
	s := h.eng.Observation()
	if s == nil {
		writeError(w, http.StatusNotFound, "no active observation")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) stopObservation(w http.ResponseWriter, _ *http.Request) {
	if !h.eng.StopObservation() {
		writeError(w, http.StatusNotFound, "no active observation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type snapshotRequest struct {
	Text string `json:"text"`
}

func (h *Handler) pushSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.push == nil {
		writeError(w, http.StatusNotImplemented, "snapshot uploads are disabled")
		return
	}
	var req snapshotRequest
	if !decode(w, r, &req) {
		return
	}
	if h.eng.Observation() == nil {
		writeError(w, http.StatusConflict, "no active observation")
		return
	}
	h.push.Publish(req.Text)
	w.WriteHeader(http.StatusAccepted)
}

type editRequest struct {
	DocumentType string `json:"document_type"`
	OriginalText string `json:"original_text"`
	EditedText   string `json:"edited_text"`
}

func (h *Handler) learn(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DocumentType == "" {
		writeError(w, http.StatusBadRequest, "document_type is required")
		return
	}
	res, err := h.eng.Learn(r.Context(), req.DocumentType, req.OriginalText, req.EditedText)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: learn failed", "err", err)
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type applyRequest struct {
	Text          string   `json:"text"`
	DocumentType  string   `json:"document_type"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decode(w, r, &req) {
		return
	}
	minConf := h.eng.Replacer().MinConfidence()
	if req.MinConfidence != nil {
		if *req.MinConfidence < 0 || *req.MinConfidence > 1 {
			writeError(w, http.StatusBadRequest, "min_confidence must be within [0, 1]")
			return
		}
		minConf = *req.MinConfidence
	}
	writeJSON(w, http.StatusOK, h.eng.Rewrite(r.Context(), req.Text, req.DocumentType, minConf))
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	limit := defaultPatternLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	ps := h.eng.TopPatterns(r.URL.Query().Get("document_type"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"patterns": ps})
}

func (h *Handler) resetPatterns(w http.ResponseWriter, r *http.Request) {
	n, err := h.eng.ResetPatterns(r.Context(), r.URL.Query().Get("document_type"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Stats())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
