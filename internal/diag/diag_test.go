package diag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/report"
	"github.com/ikoma-ops/ikoma/internal/testutil"
)

type fakeStore struct {
	pingErr   error
	counts    map[order.Status]int
	countsErr error
	runners   []order.Runner
	active    map[string]int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CountOrdersByStatus(context.Context) (map[order.Status]int, error) {
	return f.counts, f.countsErr
}

func (f *fakeStore) ListRunners(context.Context) ([]order.Runner, error) {
	return f.runners, nil
}

func (f *fakeStore) ActiveOrderCountByRunner(context.Context) (map[string]int, error) {
	return f.active, nil
}

var diagTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRun_HealthyStore(t *testing.T) {
	heartbeat := diagTime.Add(-10 * time.Second)
	staleBeat := diagTime.Add(-5 * time.Minute)
	fs := &fakeStore{
		counts: map[order.Status]int{
			order.StatusQueued:  3,
			order.StatusRunning: 1,
		},
		runners: []order.Runner{
			{ID: "r1", Status: order.RunnerOnline, LastHeartbeatAt: &heartbeat},
			{ID: "r2", Status: order.RunnerOnline, LastHeartbeatAt: &staleBeat},
		},
	}
	clock := testutil.NewClock(diagTime)

	res, err := New(fs, clock.Now).Run(context.Background())
	require.NoError(t, err)

	rep := res.Report
	assert.True(t, rep.OK)
	assert.Equal(t, "v1", rep.Version)
	assert.Len(t, rep.Steps, 4)
	for _, st := range rep.Steps {
		assert.Equal(t, report.StepSuccess, st.Status, st.Name)
	}

	assert.Equal(t, 3, res.Public["queued"])
	assert.Equal(t, 1, res.Public["running"])
	assert.Equal(t, 2, res.Public["runnersTotal"])
	assert.Equal(t, 1, res.Public["runnersOnline"], "stale heartbeat drops r2")
	assert.Equal(t, true, res.Internal["dbReachable"])

	// The produced report must itself satisfy the completion contract.
	raw, err := report.Marshal(rep)
	require.NoError(t, err)
	_, verr := report.Validate(raw)
	require.NoError(t, verr, "self-test output must pass its own contract")
}

func TestRun_ConnectivityFailureIsFatal(t *testing.T) {
	fs := &fakeStore{
		pingErr: errors.New("unable to open database file"),
		counts:  map[order.Status]int{},
	}
	clock := testutil.NewClock(diagTime)

	res, err := New(fs, clock.Now).Run(context.Background())
	require.NoError(t, err)

	rep := res.Report
	assert.False(t, rep.OK, "a fatal probe error fails the whole report")
	assert.Equal(t, report.StepFailed, rep.Steps[0].Status)
	require.NotEmpty(t, rep.Errors)
	assert.True(t, rep.Errors[0].Fatal)
	assert.Equal(t, "db.connectivity", rep.Errors[0].Step)
	assert.Equal(t, false, res.Internal["dbReachable"])
}

func TestRun_NonFatalProbeFailure(t *testing.T) {
	fs := &fakeStore{
		countsErr: errors.New("snapshot query failed"),
	}
	clock := testutil.NewClock(diagTime)

	res, err := New(fs, clock.Now).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Report.OK, "non-fatal probe failures keep ok true")
	assert.Equal(t, report.StepFailed, res.Report.Steps[1].Status)
	assert.NotContains(t, res.Public, "queued")
}
