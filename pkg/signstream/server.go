package signstream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harunnryd/signstream/pkg/errorsx"
	"github.com/harunnryd/signstream/pkg/stream"
)

// sessionResponse is the body of every /session endpoint.
type sessionResponse struct {
	Status stream.Status `json:"status"`
	Stats  stream.Stats  `json:"stats"`
	Error  string        `json:"error,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Handler serves the health check, the overlay websocket and session control.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", e.handleHealth)
	mux.Handle("GET /ws", e.hub)
	mux.HandleFunc("GET /session", e.handleSession)
	mux.HandleFunc("POST /session/probe", e.handleProbe)
	mux.HandleFunc("POST /session/start", e.handleStart)
	mux.HandleFunc("POST /session/stop", e.handleStop)
	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if e.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  e.orch.State().String(),
	})
}

func (e *Engine) handleSession(w http.ResponseWriter, r *http.Request) {
	e.respond(w, nil)
}

func (e *Engine) handleProbe(w http.ResponseWriter, r *http.Request) {
	if e.refuseDraining(w) {
		return
	}
	e.respond(w, e.orch.Probe(r.Context()))
}

func (e *Engine) handleStart(w http.ResponseWriter, r *http.Request) {
	if e.refuseDraining(w) {
		return
	}
	e.respond(w, e.orch.Start(r.Context()))
}

func (e *Engine) handleStop(w http.ResponseWriter, r *http.Request) {
	e.respond(w, e.orch.Stop())
}

func (e *Engine) refuseDraining(w http.ResponseWriter) bool {
	if !e.draining.Load() {
		return false
	}
	e.respond(w, stream.ErrClosed)
	return true
}

func (e *Engine) respond(w http.ResponseWriter, err error) {
	resp := sessionResponse{Status: e.orch.Status(), Stats: e.orch.Stats()}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Error = err.Error()
	resp.Reason = string(errorsx.Reason(err))
	writeJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	case errorsx.HasReason(err, errorsx.ReasonInvalidState):
		return http.StatusConflict
	case errorsx.HasReason(err, errorsx.ReasonPermissionDenied):
		return http.StatusForbidden
	case errorsx.HasReason(err, errorsx.ReasonProbeFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
