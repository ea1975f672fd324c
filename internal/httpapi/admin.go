package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/report"
)

type createOrderRequest struct {
	ServerID       string          `json:"serverId"`
	PlaybookKey    string          `json:"playbookKey"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSec     int             `json:"timeoutSec,omitempty"`
	MaxAttempts    int             `json:"maxAttempts,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	CreatedBy      string          `json:"createdBy,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "admin"
	}

	o, created, err := s.store.CreateOrder(r.Context(), order.CreateSpec{
		ServerID:       req.ServerID,
		PlaybookKey:    req.PlaybookKey,
		Action:         req.Action,
		Payload:        req.Payload,
		TimeoutSec:     req.TimeoutSec,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		DedupeKey:      req.DedupeKey,
		CreatedBy:      createdBy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetOrder(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []order.Log{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleDiagnosticsOrder runs the synthetic self-test in-process and
// returns its report. The internal artifact split stays out of the
// response body; it is logged for the operator instead.
func (s *Server) handleDiagnosticsOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.diag.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("system.diagnostics executed",
		"ok", res.Report.OK, "internal", res.Internal)

	raw, err := report.Marshal(res.Report)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report": json.RawMessage(raw),
		"public": res.Public,
	})
}

type createServerRequest struct {
	Name     string          `json:"name"`
	BaseURL  string          `json:"baseUrl"`
	RunnerID string          `json:"runnerId,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	srv, err := s.store.CreateServer(r.Context(), req.Name, req.BaseURL, req.RunnerID, req.Tags, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if servers == nil {
		servers = []order.Server{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req order.Playbook
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.CreatePlaybook(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPlaybookByKey(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := s.store.ListPlaybooks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if playbooks == nil {
		playbooks = []order.Playbook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": playbooks})
}

type registerRunnerRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

// handleRegisterRunner issues a runner credential. The cleartext token
// appears exactly once, in this response; only its bcrypt hash is stored.
func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		s.writeError(w, err)
		return
	}

	runner, err := s.store.CreateRunner(r.Context(), req.Name, req.Scopes, string(hash))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"runner": runner,
		"token":  token,
	})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.store.ListRunners(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runners == nil {
		runners = []order.Runner{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}

func (s *Server) handleDisableRunner(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetRunnerStatus(r.Context(), id, order.RunnerDisabled); err != nil {
		s.writeError(w, err)
		return
	}
	runner, err := s.store.GetRunner(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

type runnerDiagnostics struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Liveness     string `json:"liveness"` // ONLINE, OFFLINE, DISABLED, UNKNOWN
	ActiveOrders int    `json:"activeOrders"`
}

// handleDiagnostics reports queue depth and per-runner computed liveness.
// It never fails hard: a probe error degrades its section to UNKNOWN
// instead of failing the request.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}

	if counts, err := s.store.CountOrdersByStatus(ctx); err == nil {
		out["orders"] = map[string]int{
			"queued":  counts[order.StatusQueued],
			"claimed": counts[order.StatusClaimed],
			"running": counts[order.StatusRunning],
			"stale":   counts[order.StatusStale],
		}
	} else {
		s.log.Warn("diagnostics: order counts unavailable", "error", err)
		out["orders"] = "UNKNOWN"
	}

	runners, rerr := s.store.ListRunners(ctx)
	active, aerr := s.store.ActiveOrderCountByRunner(ctx)
	if rerr != nil {
		s.log.Warn("diagnostics: runners unavailable", "error", rerr)
		out["runners"] = "UNKNOWN"
	} else {
		now := s.now()
		list := make([]runnerDiagnostics, 0, len(runners))
		for i := range runners {
			rd := runnerDiagnostics{ID: runners[i].ID, Name: runners[i].Name}
			switch {
			case runners[i].Status == order.RunnerDisabled:
				rd.Liveness = string(order.RunnerDisabled)
			case runners[i].EffectivelyOnline(now):
				rd.Liveness = string(order.RunnerOnline)
			default:
				rd.Liveness = string(order.RunnerOffline)
			}
			if aerr == nil {
				rd.ActiveOrders = active[runners[i].ID]
			}
			list = append(list, rd)
		}
		out["runners"] = list
	}

	writeJSON(w, http.StatusOK, out)
}
