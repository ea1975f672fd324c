package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ikoma-ops/ikoma/internal/order"
)

func TestCreateRunner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	r, err := s.CreateRunner(ctx, "runner-x", []string{"playbooks:run"}, "hash-x")
	if err != nil {
		t.Fatalf("CreateRunner() failed: %v", err)
	}
	if r.Status != order.RunnerOffline {
		t.Errorf("status = %s, new runners start OFFLINE until first heartbeat", r.Status)
	}
	if r.LastHeartbeatAt != nil {
		t.Error("fresh runner should have no heartbeat")
	}
	if r.TokenHash != "hash-x" {
		t.Errorf("tokenHash = %q, want stored hash", r.TokenHash)
	}

	_, err = s.CreateRunner(ctx, "", nil, "hash")
	if _, ok := order.IsValidation(err); !ok {
		t.Errorf("empty name: err = %v, want ValidationError", err)
	}
	_, err = s.CreateRunner(ctx, "runner-y", nil, "")
	if _, ok := order.IsValidation(err); !ok {
		t.Errorf("empty hash: err = %v, want ValidationError", err)
	}
}

func TestHeartbeatRunner(t *testing.T) {
	s, clock := newTestStore(t)
	runnerID, _ := seedCatalog(t, s)
	ctx := context.Background()

	clock.Advance(5 * time.Second)
	if err := s.HeartbeatRunner(ctx, runnerID, "", nil); err != nil {
		t.Fatalf("HeartbeatRunner() failed: %v", err)
	}

	r, err := s.GetRunner(ctx, runnerID)
	if err != nil {
		t.Fatalf("GetRunner() failed: %v", err)
	}
	if r.Status != order.RunnerOnline {
		t.Errorf("status = %s, empty status defaults to ONLINE", r.Status)
	}
	if r.LastHeartbeatAt == nil || !r.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("lastHeartbeatAt = %v, want %v", r.LastHeartbeatAt, clock.Now())
	}
	if !r.EffectivelyOnline(clock.Now()) {
		t.Error("runner should be effectively online right after heartbeat")
	}

	clock.Advance(order.LivenessWindow + time.Second)
	r, _ = s.GetRunner(ctx, runnerID)
	if r.EffectivelyOnline(clock.Now()) {
		t.Error("runner should drop offline past the liveness window")
	}
}

func TestHeartbeatRunner_UpdatesCapabilities(t *testing.T) {
	s, _ := newTestStore(t)
	runnerID, _ := seedCatalog(t, s)
	ctx := context.Background()

	caps := json.RawMessage(`{"playbooks":["nginx.reload"]}`)
	if err := s.HeartbeatRunner(ctx, runnerID, order.RunnerOnline, caps); err != nil {
		t.Fatalf("HeartbeatRunner() failed: %v", err)
	}
	r, _ := s.GetRunner(ctx, runnerID)
	if string(r.Capabilities) != string(caps) {
		t.Errorf("capabilities = %s, want %s", r.Capabilities, caps)
	}

	// nil capabilities leaves the declared set alone.
	if err := s.HeartbeatRunner(ctx, runnerID, order.RunnerOnline, nil); err != nil {
		t.Fatalf("HeartbeatRunner() failed: %v", err)
	}
	r, _ = s.GetRunner(ctx, runnerID)
	if string(r.Capabilities) != string(caps) {
		t.Errorf("capabilities = %s, want unchanged", r.Capabilities)
	}
}

func TestHeartbeatRunner_Rejections(t *testing.T) {
	s, _ := newTestStore(t)
	runnerID, _ := seedCatalog(t, s)
	ctx := context.Background()

	if err := s.HeartbeatRunner(ctx, runnerID, order.RunnerDisabled, nil); err == nil {
		t.Error("heartbeat must not be able to set DISABLED")
	}

	err := s.HeartbeatRunner(ctx, "no-such-runner", order.RunnerOnline, nil)
	if _, ok := order.IsNotFound(err); !ok {
		t.Errorf("unknown runner: err = %v, want NotFoundError", err)
	}

	// A disabled runner's heartbeats bounce off.
	if err := s.SetRunnerStatus(ctx, runnerID, order.RunnerDisabled); err != nil {
		t.Fatalf("SetRunnerStatus() failed: %v", err)
	}
	err = s.HeartbeatRunner(ctx, runnerID, order.RunnerOnline, nil)
	if _, ok := order.IsNotFound(err); !ok {
		t.Errorf("disabled runner: err = %v, want NotFoundError", err)
	}
}

func TestSetRunnerStatus(t *testing.T) {
	s, _ := newTestStore(t)
	runnerID, _ := seedCatalog(t, s)
	ctx := context.Background()

	if err := s.SetRunnerStatus(ctx, runnerID, order.RunnerDisabled); err != nil {
		t.Fatalf("SetRunnerStatus() failed: %v", err)
	}
	r, _ := s.GetRunner(ctx, runnerID)
	if r.Status != order.RunnerDisabled {
		t.Errorf("status = %s, want DISABLED", r.Status)
	}

	if err := s.SetRunnerStatus(ctx, runnerID, "BROKEN"); err == nil {
		t.Error("unknown status should be rejected")
	}
}
