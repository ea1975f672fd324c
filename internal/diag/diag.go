// Package diag implements the synthetic system.diagnostics playbook: the
// one playbook the control plane executes in-process instead of
// dispatching to a runner. It probes the store and summarizes queue and
// runner health, producing the same versioned report a real runner would
// submit, so operators can exercise the full completion path end to end.
package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/report"
)

// Store is the read surface the self-test probes.
type Store interface {
	Ping(ctx context.Context) error
	CountOrdersByStatus(ctx context.Context) (map[order.Status]int, error)
	ListRunners(ctx context.Context) ([]order.Runner, error)
	ActiveOrderCountByRunner(ctx context.Context) (map[string]int, error)
}

// Result pairs the v1 report with the artifact split: Public is safe to
// return to any authenticated caller, Internal is operator-only detail.
type Result struct {
	Report   *report.Report
	Public   map[string]any
	Internal map[string]any
}

// Runner executes the self-test.
type Runner struct {
	store Store
	now   func() time.Time
}

// New creates a diagnostics runner. now may be nil for the wall clock.
func New(st Store, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}
	return &Runner{store: st, now: now}
}

// Run executes all probe steps. Probes that fail become FAILED steps and
// fatal report errors rather than Go errors; Run itself fails only on
// internal marshaling problems. ok is true when no fatal error occurred.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	startedAt := r.now().UTC()

	rep := &report.Report{
		Version:   "v1",
		Steps:     []report.Step{},
		Errors:    []report.Error{},
		StartedAt: startedAt.Format(time.RFC3339),
	}
	public := map[string]any{}
	internal := map[string]any{}

	r.stepConnectivity(ctx, rep, internal)
	r.stepQueueSnapshot(ctx, rep, public)
	r.stepRunnerHeartbeats(ctx, rep, public, internal)
	r.stepLatency(ctx, rep, internal)

	finishedAt := r.now().UTC()
	rep.FinishedAt = finishedAt.Format(time.RFC3339)

	rep.OK = true
	for _, e := range rep.Errors {
		if e.Fatal {
			rep.OK = false
			break
		}
	}
	if rep.OK {
		rep.Summary = "all diagnostics passed"
	} else {
		rep.Summary = fmt.Sprintf("%d diagnostic error(s)", len(rep.Errors))
	}

	rep.Artifacts = map[string]any{
		"public":   public,
		"internal": internal,
	}
	return &Result{Report: rep, Public: public, Internal: internal}, nil
}

func (r *Runner) step(rep *report.Report, name string, started time.Time, err error, fatal bool) {
	st := report.Step{
		Name:       name,
		Status:     report.StepSuccess,
		DurationMs: float64(r.now().Sub(started).Milliseconds()),
	}
	if err != nil {
		st.Status = report.StepFailed
		st.Error = err.Error()
		rep.Errors = append(rep.Errors, report.Error{
			Code:    "PROBE_FAILED",
			Message: err.Error(),
			Step:    name,
			Fatal:   fatal,
		})
	}
	rep.Steps = append(rep.Steps, st)
}

// stepConnectivity pings the store. Everything downstream depends on it,
// so a failure here is fatal.
func (r *Runner) stepConnectivity(ctx context.Context, rep *report.Report, internal map[string]any) {
	started := r.now()
	err := r.store.Ping(ctx)
	r.step(rep, "db.connectivity", started, err, true)
	internal["dbReachable"] = err == nil
}

func (r *Runner) stepQueueSnapshot(ctx context.Context, rep *report.Report, public map[string]any) {
	started := r.now()
	counts, err := r.store.CountOrdersByStatus(ctx)
	r.step(rep, "queue.snapshot", started, err, false)
	if err != nil {
		return
	}
	public["queued"] = counts[order.StatusQueued]
	public["running"] = counts[order.StatusRunning]
	public["claimed"] = counts[order.StatusClaimed]
	public["stale"] = counts[order.StatusStale]
}

func (r *Runner) stepRunnerHeartbeats(ctx context.Context, rep *report.Report, public, internal map[string]any) {
	started := r.now()
	runners, err := r.store.ListRunners(ctx)
	r.step(rep, "runner.heartbeat_recent", started, err, false)
	if err != nil {
		return
	}

	now := r.now()
	online := 0
	perRunner := make(map[string]bool, len(runners))
	for i := range runners {
		live := runners[i].EffectivelyOnline(now)
		perRunner[runners[i].ID] = live
		if live {
			online++
		}
	}
	public["runnersTotal"] = len(runners)
	public["runnersOnline"] = online
	internal["runnerLiveness"] = perRunner
}

// stepLatency measures a trivial aggregate read as a coarse store latency
// probe.
func (r *Runner) stepLatency(ctx context.Context, rep *report.Report, internal map[string]any) {
	started := r.now()
	_, err := r.store.ActiveOrderCountByRunner(ctx)
	elapsed := r.now().Sub(started)
	r.step(rep, "latency.basics", started, err, false)
	if err == nil {
		internal["storeReadMs"] = float64(elapsed.Milliseconds())
	}
}
