// Package drain implements the pre-deploy drain coordinator: a
// fan-out/poll loop that contacts every worker, issues drain requests to
// the ones with active jobs, and waits for quiescence or reports the
// holdouts. The coordinator holds no state between calls and is safe for
// concurrent callers so long as they pass disjoint snapshots.
package drain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/ghosthands/pkg/types"
)

const (
	healthTimeout = 5 * time.Second
	drainTimeout  = 10 * time.Second
)

// Prober is the capability the coordinator depends on: the worker-facing
// HTTP surface. Production wires *workerclient.Client; tests wire an
// in-memory fake.
type Prober interface {
	Health(ctx context.Context, ip string, timeout time.Duration) (types.WorkerHealthReport, error)
	Status(ctx context.Context, ip string, timeout time.Duration) (types.WorkerStatusReport, error)
	Drain(ctx context.Context, ip string, timeout time.Duration) error
}

// Config controls one drain run.
type Config struct {
	TotalTimeout time.Duration
	PollInterval time.Duration
	OnLine       func(line string)
}

// Coordinator runs pre-deploy drains against a fleet snapshot.
type Coordinator struct {
	Prober      Prober
	WorkerPort  int
	FallbackHost string
}

// New builds a Coordinator.
func New(prober Prober, workerPort int, fallbackHost string) *Coordinator {
	return &Coordinator{Prober: prober, WorkerPort: workerPort, FallbackHost: fallbackHost}
}

func (c *Coordinator) log(cfg Config, format string, args ...any) {
	if cfg.OnLine != nil {
		cfg.OnLine(fmt.Sprintf(format, args...))
	}
}

// Run drains every busy worker in snapshot, or the fallback host if the
// snapshot contains no worker entries. It returns nil on success or an
// error naming the still-busy IPs on timeout.
func (c *Coordinator) Run(ctx context.Context, snapshot []types.FleetEntry, cfg Config) error {
	ips := workerIPs(snapshot)
	if len(ips) == 0 {
		if c.FallbackHost == "" {
			return nil
		}
		ips = []string{c.FallbackHost}
	}

	busy := c.checkHealth(ctx, ips, cfg)
	if len(busy) == 0 {
		return nil
	}

	c.requestDrains(ctx, busy, cfg)

	return c.pollUntilIdle(ctx, busy, cfg)
}

func workerIPs(snapshot []types.FleetEntry) []string {
	var ips []string
	for _, e := range snapshot {
		if e.Role == types.RoleWorker && e.PublicIP != "" {
			ips = append(ips, e.PublicIP)
		}
	}
	return ips
}

// checkHealth performs the initial busy/idle classification. Unreachable
// workers are treated as idle.
func (c *Coordinator) checkHealth(ctx context.Context, ips []string, cfg Config) []string {
	var mu sync.Mutex
	var busy []string
	var wg sync.WaitGroup

	for _, ip := range ips {
		ip := ip
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := c.Prober.Health(ctx, ip, healthTimeout)
			if err != nil {
				c.log(cfg, "%s unreachable, treating as idle", ip)
				return
			}
			if report.ActiveJobs > 0 {
				c.log(cfg, "%s draining (active_jobs=%d)", ip, report.ActiveJobs)
				mu.Lock()
				busy = append(busy, ip)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(busy)
	return busy
}

// requestDrains issues a drain POST to every busy worker. Failures are
// logged and never abort the run.
func (c *Coordinator) requestDrains(ctx context.Context, busy []string, cfg Config) {
	var wg sync.WaitGroup
	for _, ip := range busy {
		ip := ip
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Prober.Drain(ctx, ip, drainTimeout); err != nil {
				c.log(cfg, "Drain requested for %s failed: %v", ip, err)
				return
			}
			c.log(cfg, "Drain requested for %s", ip)
		}()
	}
	wg.Wait()
}

// pollUntilIdle polls status on each not-yet-drained worker until all are
// drained or the deadline elapses.
func (c *Coordinator) pollUntilIdle(ctx context.Context, busy []string, cfg Config) error {
	pending := make(map[string]bool, len(busy))
	for _, ip := range busy {
		pending[ip] = true
	}

	deadline := time.Now().Add(cfg.TotalTimeout)
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for ip := range pending {
			ip := ip
			wg.Add(1)
			go func() {
				defer wg.Done()
				report, err := c.Prober.Status(ctx, ip, healthTimeout)
				// An unreachable worker during the poll phase is treated
				// as drained: we cannot see work it might be doing.
				drained := err != nil || report.ActiveJobs == 0
				if drained {
					c.log(cfg, "%s drained (active_jobs=0)", ip)
					mu.Lock()
					delete(pending, ip)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain timed out waiting for %s (retry with ?force=true)", strings.Join(sortedKeys(pending), ", "))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
