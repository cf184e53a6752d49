package injector

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"splice-injector/internal/engine"
	"splice-injector/internal/eventid"
	"splice-injector/internal/platform/metrics"
	"splice-injector/internal/publisher"
	"splice-injector/internal/splice"
	"splice-injector/internal/stream"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler exposes session control endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes registers the session endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.StartSession)
		r.Get("/", h.ListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/stop", h.StopSession)
			r.Post("/markers", h.InjectMarker)
		})
	})
	r.Get("/profiles/{profile}/event-id", h.GetEventID)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// StartSession handles POST /sessions.
// Body: { "profile": "news", "markers": { "mode": "continuous", "request": { "pattern": "break", "timing": { "ad_duration_seconds": 120 } } } }.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	sess, err := h.svc.StartSession(req)
	if err != nil {
		h.writeError(w, "start session failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.ListSessions())
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.svc.GetSession(id)
	if err != nil {
		h.writeError(w, "get session failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// StopSession handles POST /sessions/{session_id}/stop.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.svc.StopSession(r.Context(), id)
	if err != nil {
		h.writeError(w, "stop session failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// InjectMarker handles POST /sessions/{session_id}/markers.
// Body: { "cue_type": "CUE_IN", "timing": { "immediate": true } }.
func (h *Handler) InjectMarker(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req splice.Request
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("invalid marker body", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	res, err := h.svc.InjectMarker(r.Context(), id, req)
	if err != nil {
		h.writeError(w, "inject marker failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// GetEventID handles GET /profiles/{profile}/event-id.
func (h *Handler) GetEventID(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	if !stream.ValidProfileName(profile) {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid profile name", Field: "profile"})
		return
	}

	info, err := h.svc.EventID(profile)
	if err != nil {
		h.writeError(w, "read event id failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps domain errors to status codes. Validation failures name
// the offending field.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, stream.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrSessionStopped), errors.Is(err, publisher.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, ErrProfileRequired),
		errors.Is(err, stream.ErrInvalidConfig),
		errors.Is(err, splice.ErrInvalidMarker),
		errors.Is(err, eventid.ErrEventIDOutOfRange),
		errors.Is(err, eventid.ErrInvalidProfile),
		errors.Is(err, engine.ErrInvalidSource):
		status = http.StatusBadRequest
	}

	body := errorBody{Error: err.Error(), Field: errorField(err)}
	if status == http.StatusInternalServerError {
		h.log.Error(msg, slog.String("error", err.Error()))
	} else {
		h.log.Info(msg, slog.Int("status", status), slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, body)
}

func errorField(err error) string {
	var cfgErr *stream.FieldError
	if errors.As(err, &cfgErr) {
		return cfgErr.Field
	}
	var markerErr *splice.FieldError
	if errors.As(err, &markerErr) {
		return markerErr.Field
	}
	var rangeErr *eventid.RangeError
	if errors.As(err, &rangeErr) {
		return rangeErr.Field
	}
	return ""
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
