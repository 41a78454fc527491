package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/vk/labsched/internal/ctxlog"
	"github.com/vk/labsched/internal/faults"
)

// decodeJSON decodes r's body into dst, writing a 400 and returning false
// on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, faults.Newf(faults.ConfigError, "decode request body: %v", err))
		return false
	}
	return true
}

// writeJSON encodes v as the response body with a 200 status.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to an HTTP status per its faults.Kind (spec §7's
// fault kinds, given a concrete transport encoding here) and writes it as
// a JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if kind, ok := faults.KindOf(err); ok {
		switch kind {
		case faults.ConfigError:
			status = http.StatusBadRequest
		case faults.StateConflict, faults.Unschedulable, faults.Cancelled:
			status = http.StatusConflict
		case faults.TransportError:
			status = http.StatusBadGateway
		case faults.StepFailure:
			status = http.StatusInternalServerError
		}
	}
	ctxlog.FromContext(r.Context()).Error("control API command failed", "path", r.URL.Path, "status", status, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleSubmitProcess(w http.ResponseWriter, r *http.Request) {
	var req SubmitProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (SubmitProcessResponse, error) {
		return s.handler.SubmitProcess(r.Context(), req)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.Start(r.Context(), req.ProcessIDs)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.Pause(r.Context(), req.Scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.Resume(r.Context(), req.Scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.Cancel(r.Context(), req.Scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleEnableSimulation(w http.ResponseWriter, r *http.Request) {
	var req EnableSimulationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.EnableSimulation(r.Context(), req.Speed, req.Scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleDisableSimulation(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	_, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (struct{}, error) {
		return struct{}{}, s.handler.DisableSimulation(r.Context(), req.Scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	processID := r.URL.Query().Get("process_id")
	report, err := s.handler.QueryStatus(r.Context(), processID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleConfigureLab(w http.ResponseWriter, r *http.Request) {
	var req ConfigureLabRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := withIdempotency(s.idempotency, req.IdempotencyKey, func() (ConfigureLabResponse, error) {
		return s.handler.ConfigureLab(r.Context(), req.Document)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}
