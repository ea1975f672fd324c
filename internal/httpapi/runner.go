package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/store"
)

type runnerHeartbeatRequest struct {
	Status       order.RunnerStatus `json:"status,omitempty"`
	Capabilities json.RawMessage    `json:"capabilities,omitempty"`
}

// handleRunnerHeartbeat records runner liveness, independent of any order.
func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req runnerHeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.HeartbeatRunner(r.Context(), runnerID(r), req.Status, req.Capabilities); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClaimNext leases the oldest eligible order to the caller. An empty
// queue is 204, not an error.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.ClaimNext(r.Context(), runnerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if o == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleStartOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.StartOrder(r.Context(), r.PathValue("id"), runnerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HeartbeatOrder(r.Context(), r.PathValue("id"), runnerID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCompleteOrder submits the completion report verbatim. Contract
// validation happens in the store; its INVALID_REPORT hard path still
// maps to 400 after forcing the order FAILED.
func (s *Server) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, &order.ValidationError{Field: "body", Message: "unreadable body"})
		return
	}
	o, err := s.store.CompleteOrder(r.Context(), r.PathValue("id"), runnerID(r), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type logsBatchRequest struct {
	Logs []store.LogEntry `json:"logs"`
}

func (s *Server) handleLogsBatch(w http.ResponseWriter, r *http.Request) {
	var req logsBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.store.AppendLogs(r.Context(), runnerID(r), req.Logs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"appended": n})
}
