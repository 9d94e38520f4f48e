package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("http")

const defaultStopWait = 60 * time.Second

type Handler struct {
	service  ports.RecordingService
	metrics  http.Handler
	stopWait time.Duration
}

type Option func(*Handler)

// WithMetrics serves h on GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(hd *Handler) { hd.metrics = h }
}

// WithStopWait bounds how long a stop request waits for the session to finish.
func WithStopWait(d time.Duration) Option {
	return func(hd *Handler) { hd.stopWait = d }
}

func NewHandler(service ports.RecordingService, opts ...Option) *Handler {
	h := &Handler{service: service, stopWait: defaultStopWait}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /meetings/start", h.startRecording)
	mux.HandleFunc("POST /meetings/stop/{sessionId}", h.stopRecording)
	mux.HandleFunc("GET /meetings/status/{sessionId}", h.getStatus)
	mux.HandleFunc("GET /meetings", h.listSessions)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

type startRequest struct {
	MeetingURL      string `json:"meetingUrl"`
	ParticipantName string `json:"participantName"`
	Title           string `json:"title"`
	Mode            string `json:"mode"`
	// Durations use Go syntax, e.g. "90m".
	Duration        string `json:"duration"`
	MinDuration     string `json:"minDuration"`
	EarlyJoinOffset string `json:"earlyJoinOffset"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r startRequest) toTrigger() (ports.TriggerRequest, error) {
	req := ports.TriggerRequest{
		Meeting: domain.Meeting{
			URL:             r.MeetingURL,
			ParticipantName: r.ParticipantName,
			Title:           r.Title,
		},
		Mode: domain.DurationMode(r.Mode),
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"duration", r.Duration, &req.Duration},
		{"minDuration", r.MinDuration, &req.MinDuration},
		{"earlyJoinOffset", r.EarlyJoinOffset, &req.EarlyJoinOffset},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return req, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRequest, f.name, err)
		}
		*f.dst = d
	}
	return req, nil
}

func (h *Handler) startRecording(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err))
		return
	}
	req, err := body.toTrigger()
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.service.Trigger(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: id})
}

func (h *Handler) stopRecording(w http.ResponseWriter, r *http.Request) {
	sessionId := r.PathValue("sessionId")
	ctx, cancel := context.WithTimeout(r.Context(), h.stopWait)
	defer cancel()

	session, err := h.service.StopRecording(ctx, sessionId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListSessions(r.Context()))
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	default:
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}
