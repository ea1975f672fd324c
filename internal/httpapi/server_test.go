package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/store"
	"github.com/ikoma-ops/ikoma/internal/testutil"
)

const testAdminKey = "test-admin-key"

var apiTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	store   *store.Store
	clock   *testutil.Clock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewClock(apiTime)
	s.SetClock(clock.Now)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(s, logger, Options{AdminKey: testAdminKey, Now: clock.Now})
	return &testAPI{t: t, handler: srv.Handler(), store: s, clock: clock}
}

func (a *testAPI) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{headerAdminKey: testAdminKey}
}

func runnerHeaders(id, token string) map[string]string {
	return map[string]string{headerRunnerID: id, headerRunnerToken: token}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// registerRunner goes through the real registration endpoint so the
// returned token round-trips the bcrypt hash.
func (a *testAPI) registerRunner(name string) (id, token string) {
	a.t.Helper()
	rec := a.do("POST", "/v1/runners", adminHeaders(), map[string]any{"name": name})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Runner order.Runner `json:"runner"`
		Token  string       `json:"token"`
	}
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(a.t, resp.Token)
	return resp.Runner.ID, resp.Token
}

func (a *testAPI) seedCatalog() (serverID string) {
	a.t.Helper()
	ctx := context.Background()
	srv, err := a.store.CreateServer(ctx, "web-01", "https://web-01.internal", "", nil, nil)
	require.NoError(a.t, err)
	_, err = a.store.CreatePlaybook(ctx, order.Playbook{
		Key: "nginx.reload", Name: "Reload nginx",
		Category: order.PlaybookStandard, RiskLevel: order.RiskLow,
		SchemaVersion: "v1",
	})
	require.NoError(a.t, err)
	return srv.ID
}

func validReport(ok bool) map[string]any {
	return map[string]any{
		"version":    "v1",
		"ok":         ok,
		"summary":    "done",
		"startedAt":  "2025-06-01T12:00:00Z",
		"finishedAt": "2025-06-01T12:00:05Z",
		"steps":      []any{},
		"errors":     []any{},
		"artifacts":  map[string]any{},
	}
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusOK, a.do("GET", "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, a.do("GET", "/ready", nil, nil).Code)
}

func TestAdminAuth(t *testing.T) {
	a := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, a.do("GET", "/v1/orders", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		a.do("GET", "/v1/orders", map[string]string{headerAdminKey: "wrong"}, nil).Code)
	assert.Equal(t, http.StatusOK, a.do("GET", "/v1/orders", adminHeaders(), nil).Code)
}

func TestRunnerAuth(t *testing.T) {
	a := newTestAPI(t)
	id, token := a.registerRunner("runner-a")

	assert.Equal(t, http.StatusUnauthorized,
		a.do("POST", "/v1/runner/heartbeat", nil, map[string]any{}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		a.do("POST", "/v1/runner/heartbeat", runnerHeaders(id, "bad-token"), map[string]any{}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		a.do("POST", "/v1/runner/heartbeat", runnerHeaders("no-such-runner", token), map[string]any{}).Code)
	assert.Equal(t, http.StatusOK,
		a.do("POST", "/v1/runner/heartbeat", runnerHeaders(id, token), map[string]any{}).Code)
}

func TestRunnerAuth_DisabledRejected(t *testing.T) {
	a := newTestAPI(t)
	id, token := a.registerRunner("runner-a")

	rec := a.do("POST", "/v1/runners/"+id+"/disable", adminHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Valid credential, disabled runner.
	assert.Equal(t, http.StatusForbidden,
		a.do("POST", "/v1/runner/heartbeat", runnerHeaders(id, token), map[string]any{}).Code)
}

func TestCreateOrder(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()

	req := map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	}
	rec := a.do("POST", "/v1/orders", adminHeaders(), req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[order.Order](t, rec)
	assert.Equal(t, order.StatusQueued, created.Status)

	// Idempotent repeat: 200 with the same order.
	rec = a.do("POST", "/v1/orders", adminHeaders(), req)
	require.Equal(t, http.StatusOK, rec.Code)
	repeat := decodeBody[order.Order](t, rec)
	assert.Equal(t, created.ID, repeat.ID)
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()

	// Unknown server: 404.
	rec := a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       "no-such-server",
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing fields: 400.
	rec = a.do("POST", "/v1/orders", adminHeaders(), map[string]any{"serverId": serverID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Active dedupe key: 409.
	base := map[string]any{
		"serverId":    serverID,
		"playbookKey": "nginx.reload",
		"action":      "apply",
		"dedupeKey":   "singleton",
	}
	base["idempotencyKey"] = "idem-2"
	require.Equal(t, http.StatusCreated, a.do("POST", "/v1/orders", adminHeaders(), base).Code)
	base["idempotencyKey"] = "idem-3"
	rec = a.do("POST", "/v1/orders", adminHeaders(), base)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "dedupe_conflict", body.Reason)
}

func TestCancelOrder_ConflictBody(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()
	id, token := a.registerRunner("runner-a")

	rec := a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decodeBody[order.Order](t, rec)

	rec = a.do("POST", "/v1/runner/orders/claim-next", runnerHeaders(id, token), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("POST", "/v1/orders/"+o.ID+"/cancel", adminHeaders(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "invalid_status", body.Reason)
	assert.Equal(t, "CLAIMED", body.CurrentStatus)

	rec = a.do("POST", "/v1/orders/no-such-order/cancel", adminHeaders(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunnerProtocol_FullLifecycle(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()
	id, token := a.registerRunner("runner-a")
	rh := runnerHeaders(id, token)

	// Empty queue: 204.
	rec := a.do("POST", "/v1/runner/orders/claim-next", rh, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do("POST", "/v1/runner/orders/claim-next", rh, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	claimed := decodeBody[order.Order](t, rec)
	assert.Equal(t, order.StatusClaimed, claimed.Status)

	rec = a.do("POST", "/v1/runner/orders/"+claimed.ID+"/start", rh, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a.clock.Advance(10 * time.Second)
	rec = a.do("POST", "/v1/runner/orders/"+claimed.ID+"/heartbeat", rh, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("POST", "/v1/runner/logs/batch", rh, map[string]any{
		"logs": []map[string]any{
			{"orderId": claimed.ID, "level": "info", "message": "reloading"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[map[string]int](t, rec)["appended"])

	rec = a.do("POST", "/v1/runner/orders/"+claimed.ID+"/complete", rh, validReport(true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[order.Order](t, rec)
	assert.Equal(t, order.StatusSucceeded, done.Status)

	// Admin sees the execution trace.
	rec = a.do("GET", "/v1/orders/"+claimed.ID+"/logs", adminHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logsResp struct {
		Logs []order.Log `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logsResp))
	assert.Len(t, logsResp.Logs, 2, "runner trace entry plus completion entry")
}

func TestLogsBatch_UnknownOrder(t *testing.T) {
	a := newTestAPI(t)
	a.seedCatalog()
	id, token := a.registerRunner("runner-a")

	rec := a.do("POST", "/v1/runner/logs/batch", runnerHeaders(id, token), map[string]any{
		"logs": []map[string]any{
			{"orderId": "no-such-order", "level": "info", "message": "orphan"},
		},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestCompleteOrder_InvalidReport(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()
	id, token := a.registerRunner("runner-a")
	rh := runnerHeaders(id, token)

	rec := a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decodeBody[order.Order](t, rec)

	rec = a.do("POST", "/v1/runner/orders/claim-next", rh, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do("POST", "/v1/runner/orders/"+o.ID+"/start", rh, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("POST", "/v1/runner/orders/"+o.ID+"/complete", rh,
		map[string]any{"version": "v9", "ok": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, order.ErrCodeInvalidReport, body.Code)

	// The hard path already forced the order FAILED.
	rec = a.do("GET", "/v1/orders/"+o.ID, adminHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[order.Order](t, rec)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Equal(t, order.ErrCodeInvalidReport, got.ErrorCode)
}

func TestCompleteOrder_WrongRunnerConflict(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()
	idA, tokenA := a.registerRunner("runner-a")
	idB, tokenB := a.registerRunner("runner-b")

	rec := a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decodeBody[order.Order](t, rec)

	rec = a.do("POST", "/v1/runner/orders/claim-next", runnerHeaders(idA, tokenA), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.do("POST", "/v1/runner/orders/"+o.ID+"/start", runnerHeaders(idA, tokenA), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("POST", "/v1/runner/orders/"+o.ID+"/complete", runnerHeaders(idB, tokenB), validReport(true))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "wrong_runner", body.Reason)
	assert.Equal(t, idA, body.CurrentRunner)
}

func TestDiagnosticsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	serverID := a.seedCatalog()
	id, token := a.registerRunner("runner-a")

	rec := a.do("POST", "/v1/orders", adminHeaders(), map[string]any{
		"serverId":       serverID,
		"playbookKey":    "nginx.reload",
		"action":         "apply",
		"idempotencyKey": "idem-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, http.StatusOK,
		a.do("POST", "/v1/runner/heartbeat", runnerHeaders(id, token), map[string]any{}).Code)

	rec = a.do("GET", "/v1/diagnostics", adminHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Orders  map[string]int      `json:"orders"`
		Runners []runnerDiagnostics `json:"runners"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Orders["queued"])
	require.Len(t, resp.Runners, 1)
	assert.Equal(t, "ONLINE", resp.Runners[0].Liveness)
}

func TestSystemDiagnosticsOrder(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do("POST", "/v1/orders/system.diagnostics", adminHeaders(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Report struct {
			Version string `json:"version"`
			OK      bool   `json:"ok"`
		} `json:"report"`
		Public map[string]any `json:"public"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "v1", resp.Report.Version)
	assert.True(t, resp.Report.OK)
	assert.Contains(t, resp.Public, "queued")
}
