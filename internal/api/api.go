// Package api exposes the control loop over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/logging"
	"github.com/danielpatrickdp/attending-controller/internal/metrics"
	"github.com/danielpatrickdp/attending-controller/internal/orchestrator"
	"github.com/danielpatrickdp/attending-controller/internal/protocol"
	"github.com/danielpatrickdp/attending-controller/internal/signals"
	"github.com/danielpatrickdp/attending-controller/internal/state"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 50
	maxListLimit       = 500
)

// #region deps

// Controller is the slice of the orchestrator the handlers drive.
type Controller interface {
	Observe(ctx context.Context, sessionID string, in signals.ObservationInput) (state.Observation, error)
	Incident(ctx context.Context, sessionID string, in signals.IncidentInput) (state.DissociationIncident, error)
	PreTurn(ctx context.Context, sessionID string, tc orchestrator.TurnContext) (orchestrator.Guidance, error)
	PostTurn(ctx context.Context, sessionID string, obs signals.ObservationInput, inc *signals.IncidentInput) (orchestrator.Feedback, error)
	Defer(sessionID string) string
	Health(ctx context.Context, sessionID string) (orchestrator.HealthReport, error)
	Registry() *protocol.Registry
}

// Deps bundles handler dependencies. Store serves the read-only listings.
type Deps struct {
	Controller Controller
	Store      *state.Store
	Logger     *zap.Logger
}

// #endregion deps

// #region router

// NewHandler returns the HTTP API router.
func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handlers{ctl: d.Controller, store: d.Store, logger: d.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/v1/protocols", h.protocols)

	r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Post("/observations", h.observe)
		r.Post("/incidents", h.incident)
		r.Post("/pre-turn", h.preTurn)
		r.Post("/post-turn", h.postTurn)
		r.Post("/defer", h.deferPending)
		r.Get("/health", h.health)
		r.Get("/interventions", h.interventions)
		r.Get("/alerts", h.alerts)
		r.Get("/incidents", h.incidents)
		r.Get("/decisions", h.decisions)
	})
	return r
}

type handlers struct {
	ctl    Controller
	store  *state.Store
	logger *zap.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// #endregion router

// #region handlers

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("store ping failed", zap.Error(err))
		httpError(w, http.StatusServiceUnavailable, "store_unavailable", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) protocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"protocols": h.ctl.Registry().Protocols()})
}

func (h *handlers) observe(w http.ResponseWriter, r *http.Request) {
	var in signals.ObservationInput
	if !decode(w, r, &in) {
		return
	}
	obs, err := h.ctl.Observe(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

func (h *handlers) incident(w http.ResponseWriter, r *http.Request) {
	var in signals.IncidentInput
	if !decode(w, r, &in) {
		return
	}
	inc, err := h.ctl.Incident(r.Context(), chi.URLParam(r, "sessionID"), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *handlers) preTurn(w http.ResponseWriter, r *http.Request) {
	var tc orchestrator.TurnContext
	if r.ContentLength != 0 && !decode(w, r, &tc) {
		return
	}
	g, err := h.ctl.PreTurn(r.Context(), chi.URLParam(r, "sessionID"), tc)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// postTurnRequest carries the realized turn signals.
type postTurnRequest struct {
	Observation signals.ObservationInput `json:"observation"`
	Incident    *signals.IncidentInput   `json:"incident,omitempty"`
}

func (h *handlers) postTurn(w http.ResponseWriter, r *http.Request) {
	var req postTurnRequest
	if !decode(w, r, &req) {
		return
	}
	fb, err := h.ctl.PostTurn(r.Context(), chi.URLParam(r, "sessionID"), req.Observation, req.Incident)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (h *handlers) deferPending(w http.ResponseWriter, r *http.Request) {
	dropped := h.ctl.Defer(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]any{"deferred": dropped != "", "intervention_id": dropped})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctl.Health(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) interventions(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListInterventions(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": nonNil(recs)})
}

func (h *handlers) alerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListAlerts(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(recs)})
}

func (h *handlers) incidents(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.store.ListIncidents(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": nonNil(recs)})
}

func (h *handlers) decisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	entries, err := logging.ListDecisions(r.Context(), h.store.DB(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": nonNil(entries)})
}

// #endregion handlers

// #region helpers

// fail maps domain errors onto status codes. Unclassified errors are logged
// and answered with a generic message.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signals.ErrInvalidSignal), errors.Is(err, orchestrator.ErrInvalidRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, state.ErrInvariantViolation):
		httpError(w, http.StatusConflict, "invariant_violation", "%v", err)
	case errors.Is(err, state.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		h.logger.Error("request failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// #endregion helpers
