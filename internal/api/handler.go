package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/engine"
	"github.com/gyaneshwarpardhi/cookgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

const (
	maxRequests = 10000
	maxWait     = 5 * time.Minute
)

// Sessions is the part of the engine the HTTP layer drives.
type Sessions interface {
	Create(spec engine.Spec) (*engine.SessionInfo, error)
	Submit(id string, reqs []engine.Request) (*engine.SessionInfo, error)
	Status(id string) (*engine.SessionInfo, error)
	Result(id string) (*dag.Result, error)
	Wait(ctx context.Context, id string) (*dag.Result, error)
	Close(id string) error
	Sessions() []*engine.SessionInfo
	Targets() []model.Target
}

// Reloader re-reads configuration on demand.
type Reloader interface {
	Reload() (*config.Config, error)
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	sessions    Sessions
	reloader    Reloader
	utilization func() float64
	mux         *http.ServeMux
}

// New creates an HTTP handler and registers all routes. utilization
// reports the manifest fetch queue fill ratio; nil means always idle.
func New(sessions Sessions, reloader Reloader, utilization func() float64) http.Handler {
	if utilization == nil {
		utilization = func() float64 { return 0 }
	}
	h := &Handler{sessions: sessions, reloader: reloader, utilization: utilization, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/sessions", h.createSession)
	h.mux.HandleFunc("GET /v1/sessions", h.listSessions)
	h.mux.HandleFunc("POST /v1/sessions/{id}/requests", h.addRequests)
	h.mux.HandleFunc("GET /v1/sessions/{id}", h.sessionStatus)
	h.mux.HandleFunc("GET /v1/sessions/{id}/result", h.sessionResult)
	h.mux.HandleFunc("DELETE /v1/sessions/{id}", h.closeSession)
	h.mux.HandleFunc("GET /v1/targets", h.listTargets)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/sessions: start a session with its initial requests.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var spec engine.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(spec.Requests) > maxRequests {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d requests exceeds max %d", len(spec.Requests), maxRequests))
		return
	}
	info, err := h.sessions.Create(spec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /v1/sessions: list open sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.Sessions(),
	})
}

// POST /v1/sessions/{id}/requests: add requests to a session.
func (h *Handler) addRequests(w http.ResponseWriter, r *http.Request) {
	var reqs []engine.Request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one request is required")
		return
	}
	if len(reqs) > maxRequests {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d requests exceeds max %d", len(reqs), maxRequests))
		return
	}
	info, err := h.sessions.Submit(r.PathValue("id"), reqs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

// GET /v1/sessions/{id}: session state and counters.
func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Status(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /v1/sessions/{id}/result: the build order. ?wait=true blocks until
// the session finishes, bounded by ?timeout (a Go duration, default and
// max 5m).
func (h *Handler) sessionResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	wait, _ := strconv.ParseBool(q.Get("wait"))
	if !wait {
		res, err := h.sessions.Result(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	timeout := maxWait
	if s := q.Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", s))
			return
		}
		timeout = min(d, maxWait)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	res, err := h.sessions.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(engine.StateExploring)})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /v1/sessions/{id}: close a session.
func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/targets: default session targets.
func (h *Handler) listTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"targets": h.sessions.Targets(),
	})
}

// POST /v1/config/reload: re-read the config file now.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeError(w, http.StatusNotImplemented, "config reload not available")
		return
	}
	cfg, err := h.reloader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  cfg.Version,
		"targets":  cfg.Session.Targets,
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the fetch queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.utilization()
	metrics.TransportQueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}
