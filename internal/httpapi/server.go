// Package httpapi exposes the control plane over HTTP: an admin surface
// for operators and a runner protocol surface for worker agents. JSON in,
// JSON out, under a /v1 prefix.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ikoma-ops/ikoma/internal/diag"
	"github.com/ikoma-ops/ikoma/internal/store"
)

// Server wires the store and diagnostics runner to the HTTP mux.
type Server struct {
	store    *store.Store
	diag     *diag.Runner
	log      *slog.Logger
	adminKey string
	now      func() time.Time
}

// Options configures a Server.
type Options struct {
	AdminKey string

	// Now overrides the wall clock in tests.
	Now func() time.Time
}

// New creates the API server. logger must not be nil.
func New(st *store.Store, logger *slog.Logger, opts Options) *Server {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		store:    st,
		diag:     diag.New(st, now),
		log:      logger,
		adminKey: opts.AdminKey,
		now:      now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Admin surface.
	mux.Handle("POST /v1/orders", s.requireAdmin(s.handleCreateOrder))
	mux.Handle("GET /v1/orders", s.requireAdmin(s.handleListOrders))
	mux.Handle("GET /v1/orders/{id}", s.requireAdmin(s.handleGetOrder))
	mux.Handle("POST /v1/orders/{id}/cancel", s.requireAdmin(s.handleCancelOrder))
	mux.Handle("GET /v1/orders/{id}/logs", s.requireAdmin(s.handleOrderLogs))
	mux.Handle("POST /v1/orders/system.diagnostics", s.requireAdmin(s.handleDiagnosticsOrder))

	mux.Handle("POST /v1/servers", s.requireAdmin(s.handleCreateServer))
	mux.Handle("GET /v1/servers", s.requireAdmin(s.handleListServers))
	mux.Handle("GET /v1/servers/{id}", s.requireAdmin(s.handleGetServer))
	mux.Handle("POST /v1/playbooks", s.requireAdmin(s.handleCreatePlaybook))
	mux.Handle("GET /v1/playbooks", s.requireAdmin(s.handleListPlaybooks))
	mux.Handle("GET /v1/playbooks/{key}", s.requireAdmin(s.handleGetPlaybook))

	mux.Handle("POST /v1/runners", s.requireAdmin(s.handleRegisterRunner))
	mux.Handle("GET /v1/runners", s.requireAdmin(s.handleListRunners))
	mux.Handle("POST /v1/runners/{id}/disable", s.requireAdmin(s.handleDisableRunner))

	mux.Handle("GET /v1/diagnostics", s.requireAdmin(s.handleDiagnostics))

	// Runner protocol surface.
	mux.Handle("POST /v1/runner/heartbeat", s.requireRunner(s.handleRunnerHeartbeat))
	mux.Handle("POST /v1/runner/orders/claim-next", s.requireRunner(s.handleClaimNext))
	mux.Handle("POST /v1/runner/orders/{id}/start", s.requireRunner(s.handleStartOrder))
	mux.Handle("POST /v1/runner/orders/{id}/heartbeat", s.requireRunner(s.handleOrderHeartbeat))
	mux.Handle("POST /v1/runner/orders/{id}/complete", s.requireRunner(s.handleCompleteOrder))
	mux.Handle("POST /v1/runner/logs/batch", s.requireRunner(s.handleLogsBatch))

	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"durationMs", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
