package drain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ghosthands/pkg/types"
)

type fakeProber struct {
	mu         sync.Mutex
	health     map[string]types.WorkerHealthReport
	healthErr  map[string]error
	status     map[string][]types.WorkerStatusReport // consumed in order, repeats last
	statusIdx  map[string]int
	drained    map[string]bool
	drainErr   map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		health:    map[string]types.WorkerHealthReport{},
		healthErr: map[string]error{},
		status:    map[string][]types.WorkerStatusReport{},
		statusIdx: map[string]int{},
		drained:   map[string]bool{},
		drainErr:  map[string]error{},
	}
}

func (f *fakeProber) Health(ctx context.Context, ip string, timeout time.Duration) (types.WorkerHealthReport, error) {
	if err, ok := f.healthErr[ip]; ok {
		return types.WorkerHealthReport{}, err
	}
	return f.health[ip], nil
}

func (f *fakeProber) Status(ctx context.Context, ip string, timeout time.Duration) (types.WorkerStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.status[ip]
	idx := f.statusIdx[ip]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	f.statusIdx[ip] = idx + 1
	if idx < 0 || len(seq) == 0 {
		return types.WorkerStatusReport{}, nil
	}
	return seq[idx], nil
}

func (f *fakeProber) Drain(ctx context.Context, ip string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained[ip] = true
	return f.drainErr[ip]
}

func fleet(ips ...string) []types.FleetEntry {
	var out []types.FleetEntry
	for _, ip := range ips {
		out = append(out, types.FleetEntry{ID: ip, PublicIP: ip, Role: types.RoleWorker})
	}
	return out
}

func TestRun_NoBusyWorkersSucceedsImmediately(t *testing.T) {
	p := newFakeProber()
	p.health["10.0.0.1"] = types.WorkerHealthReport{ActiveJobs: 0}

	c := New(p, 3000, "")
	err := c.Run(context.Background(), fleet("10.0.0.1"), Config{TotalTimeout: time.Second, PollInterval: 10 * time.Millisecond})
	assert.NoError(t, err)
}

func TestRun_EmptyFleetFallsBackToConfiguredHost(t *testing.T) {
	p := newFakeProber()
	p.health["fallback-host"] = types.WorkerHealthReport{ActiveJobs: 0}

	c := New(p, 3000, "fallback-host")
	err := c.Run(context.Background(), nil, Config{TotalTimeout: time.Second, PollInterval: 10 * time.Millisecond})
	assert.NoError(t, err)
}

func TestRun_EmptyFleetNoFallbackSucceeds(t *testing.T) {
	c := New(newFakeProber(), 3000, "")
	err := c.Run(context.Background(), nil, Config{TotalTimeout: time.Second})
	assert.NoError(t, err)
}

func TestRun_BusyWorkerDrainsThenBecomesIdle(t *testing.T) {
	p := newFakeProber()
	p.health["10.0.0.1"] = types.WorkerHealthReport{ActiveJobs: 2}
	p.status["10.0.0.1"] = []types.WorkerStatusReport{{ActiveJobs: 0}}

	c := New(p, 3000, "")
	err := c.Run(context.Background(), fleet("10.0.0.1"), Config{TotalTimeout: time.Second, PollInterval: 5 * time.Millisecond})

	require.NoError(t, err)
	assert.True(t, p.drained["10.0.0.1"])
}

func TestRun_TimesOutWithForceHint(t *testing.T) {
	p := newFakeProber()
	p.health["10.0.0.1"] = types.WorkerHealthReport{ActiveJobs: 2}
	p.status["10.0.0.1"] = []types.WorkerStatusReport{{ActiveJobs: 2}}

	c := New(p, 3000, "")
	err := c.Run(context.Background(), fleet("10.0.0.1"), Config{TotalTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "force=true")
}

func TestRun_UnreachableWorkerDuringInitialCheckTreatedAsIdle(t *testing.T) {
	p := newFakeProber()
	p.healthErr["10.0.0.1"] = assertErr{}

	c := New(p, 3000, "")
	err := c.Run(context.Background(), fleet("10.0.0.1"), Config{TotalTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	assert.NoError(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "unreachable" }
