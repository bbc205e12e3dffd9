// Package idle implements the fleet idle controller: a background loop
// that tracks per-worker liveness, enforces idle-timeout shutdown,
// respects a minimum-running floor, and coordinates with the cloud
// auto-scaling group via a two-phase (standby -> stop) protocol. It also
// exposes the wake/stop entry points invoked from HTTP handlers.
package idle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/ghosthands/pkg/cloud"
	"github.com/cuemby/ghosthands/pkg/log"
	"github.com/cuemby/ghosthands/pkg/types"
)

const (
	healthTimeout = 5 * time.Second
	wakeDeadline  = 120 * time.Second
	wakePollEvery = 5 * time.Second
)

// HealthProber is the worker-facing capability the controller needs.
type HealthProber interface {
	Health(ctx context.Context, ip string, timeout time.Duration) (types.WorkerHealthReport, error)
}

// Config configures the controller.
type Config struct {
	IdleTimeout  time.Duration
	MinRunning   int
	PollInterval time.Duration
	WorkerPort   int
}

// Controller owns the worker-state map and the background tick loop.
type Controller struct {
	cfg    Config
	cloud  cloud.API
	health HealthProber

	mu      sync.Mutex
	order   []string // insertion order, for stable tie-breaking
	workers map[string]*types.WorkerState

	ticker   *time.Ticker
	stopCh   chan struct{}
	tickMu   sync.Mutex // serializes ticks; a late timer fire is skipped, not queued
	ticking  bool
}

// New creates a Controller. Call Init to seed worker state from a fleet
// snapshot, then Start to begin the background tick loop.
func New(cfg Config, cloudAPI cloud.API, health HealthProber) *Controller {
	return &Controller{
		cfg:     cfg,
		cloud:   cloudAPI,
		health:  health,
		workers: make(map[string]*types.WorkerState),
		stopCh:  make(chan struct{}),
	}
}

// Init seeds the worker-state map from a fleet snapshot: entries without a
// known instance id are resolved in one batch by public IP, then every
// worker with a known instance id has its ASG membership recorded.
func (c *Controller) Init(ctx context.Context, fleet []types.FleetEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var unresolved []types.FleetEntry
	for _, e := range fleet {
		if e.Role != types.RoleWorker {
			continue
		}
		ws := &types.WorkerState{
			ID:         e.ID,
			PublicIP:   e.PublicIP,
			InstanceID: e.InstanceID,
			LastActive: time.Now(),
			Phase:      types.PhaseUnknown,
		}
		c.workers[e.ID] = ws
		c.order = append(c.order, e.ID)
		if e.InstanceID == "" {
			unresolved = append(unresolved, e)
		}
	}

	if len(unresolved) > 0 {
		ips := make([]string, 0, len(unresolved))
		byIP := make(map[string]string, len(unresolved))
		for _, e := range unresolved {
			ips = append(ips, e.PublicIP)
			byIP[e.PublicIP] = e.ID
		}
		instances, err := c.cloud.DescribeInstancesByIP(ctx, ips)
		if err == nil {
			for _, inst := range instances {
				if id, ok := byIP[inst.PublicIP]; ok {
					ws := c.workers[id]
					ws.InstanceID = inst.InstanceID
					ws.Phase = fromCloudState(inst.State)
				}
			}
		}
	}

	for _, id := range c.order {
		ws := c.workers[id]
		if ws.InstanceID == "" {
			continue
		}
		membership, err := c.cloud.DescribeASGMembership(ctx, ws.InstanceID)
		if err != nil {
			continue
		}
		ws.ASGName = membership.Name
		ws.InStandby = membership.InStandby
		if membership.InStandby {
			ws.Phase = types.PhaseStandby
		}
	}

	return nil
}

func fromCloudState(s cloud.InstanceState) types.WorkerPhase {
	switch s {
	case cloud.StateRunning:
		return types.PhaseRunning
	case cloud.StatePending:
		return types.PhasePending
	case cloud.StateStopped:
		return types.PhaseStopped
	case cloud.StateStopping:
		return types.PhaseStopping
	case cloud.StateShutting:
		return types.PhaseShuttingDown
	case cloud.StateTerminated:
		return types.PhaseTerminated
	case cloud.StateStandby:
		return types.PhaseStandby
	default:
		return types.PhaseUnknown
	}
}

// Start begins the recurring tick timer.
func (c *Controller) Start() {
	c.ticker = time.NewTicker(c.cfg.PollInterval)
	go func() {
		for {
			select {
			case <-c.ticker.C:
				c.maybeTick()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background timer. The worker-state map is retained.
func (c *Controller) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	close(c.stopCh)
}

// maybeTick runs one tick unless the previous one is still in flight, in
// which case this fire is skipped rather than queued.
func (c *Controller) maybeTick() {
	c.tickMu.Lock()
	if c.ticking {
		c.tickMu.Unlock()
		return
	}
	c.ticking = true
	c.tickMu.Unlock()

	defer func() {
		c.tickMu.Lock()
		c.ticking = false
		c.tickMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval)
	defer cancel()
	c.Tick(ctx)
}

// Tick runs pollWorkerHealth followed by evaluateIdleWorkers, strictly
// sequentially.
func (c *Controller) Tick(ctx context.Context) {
	c.pollWorkerHealth(ctx)
	c.evaluateIdleWorkers(ctx)
}

func (c *Controller) snapshotIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

func (c *Controller) pollWorkerHealth(ctx context.Context) {
	logger := log.WithComponent("idle")
	for _, id := range c.snapshotIDs() {
		c.mu.Lock()
		ws, ok := c.workers[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		phase := ws.Phase
		ip := ws.PublicIP
		instanceID := ws.InstanceID
		c.mu.Unlock()

		if phase == types.PhaseStopped || phase == types.PhaseStopping || phase == types.PhaseStandby {
			continue
		}

		report, err := c.health.Health(ctx, ip, healthTimeout)
		c.mu.Lock()
		ws, ok = c.workers[id]
		if !ok {
			c.mu.Unlock()
			continue
		}
		if err == nil {
			ws.ActiveJobs = report.ActiveJobs
			ws.Phase = types.PhaseRunning
			if report.ActiveJobs > 0 {
				ws.LastActive = time.Now()
			}
		} else if instanceID != "" {
			c.mu.Unlock()
			inst, derr := c.cloud.DescribeInstance(ctx, instanceID)
			c.mu.Lock()
			ws, ok = c.workers[id]
			if !ok {
				c.mu.Unlock()
				continue
			}
			if derr == nil {
				ws.Phase = fromCloudState(inst.State)
				if inst.PublicIP != "" && inst.PublicIP != ws.PublicIP {
					ws.PublicIP = inst.PublicIP
				}
			} else {
				logger.Warn().Err(derr).Str("worker_id", id).Msg("reconcile: describe-instance failed")
			}
		} else {
			ws.Phase = types.PhaseUnknown
		}
		c.mu.Unlock()
	}
}

func (c *Controller) evaluateIdleWorkers(ctx context.Context) {
	logger := log.WithComponent("idle")

	c.mu.Lock()
	runningCount := 0
	var candidates []*types.WorkerState
	now := time.Now()
	for _, id := range c.order {
		ws := c.workers[id]
		if ws.Phase == types.PhaseRunning || ws.Phase == types.PhasePending {
			runningCount++
		}
		if ws.Phase == types.PhaseRunning &&
			!ws.Transitioning &&
			ws.ActiveJobs == 0 &&
			ws.InstanceID != "" &&
			now.Sub(ws.LastActive) > c.cfg.IdleTimeout {
			candidates = append(candidates, ws)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastActive.Before(candidates[j].LastActive)
	})

	canStop := runningCount - c.cfg.MinRunning
	if canStop < 0 {
		canStop = 0
	}
	if canStop > len(candidates) {
		canStop = len(candidates)
	}
	selected := candidates[:canStop]
	c.mu.Unlock()

	for _, ws := range selected {
		logger.Info().Str("worker_id", ws.ID).Dur("idle_for", now.Sub(ws.LastActive)).Msg("idle timeout exceeded, stopping")
		c.stopOne(ctx, ws.ID)
	}
}

func (c *Controller) stopOne(ctx context.Context, id string) {
	c.mu.Lock()
	ws, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	ws.Transitioning = true
	asgName := ws.ASGName
	inStandby := ws.InStandby
	instanceID := ws.InstanceID
	c.mu.Unlock()

	if asgName != "" && !inStandby {
		if err := c.cloud.EnterStandby(ctx, instanceID, asgName); err != nil {
			c.mu.Lock()
			ws.Transitioning = false
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ws.InStandby = true
		c.mu.Unlock()
	}

	err := c.cloud.StopInstance(ctx, instanceID)

	c.mu.Lock()
	if err == nil {
		ws.Phase = types.PhaseStopping
	}
	ws.Transitioning = false
	c.mu.Unlock()
}

// MarkActive resets last-active to now.
func (c *Controller) MarkActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws, ok := c.workers[id]; ok {
		ws.LastActive = time.Now()
	}
}

// MarkTransitioning sets or clears the transitioning flag.
func (c *Controller) MarkTransitioning(id string, transitioning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ws, ok := c.workers[id]; ok {
		ws.Transitioning = transitioning
	}
}

// UpdateWorkerEC2 records a post-wake/post-stop observation.
func (c *Controller) UpdateWorkerEC2(id string, phase types.WorkerPhase, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.workers[id]
	if !ok {
		return
	}
	ws.Phase = phase
	if ip != "" {
		ws.PublicIP = ip
	}
}

// GetStates returns a read-only snapshot of every worker.
func (c *Controller) GetStates() []types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Snapshot, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.workers[id].Snapshot())
	}
	return out
}

// Get returns a snapshot of one worker, and whether it exists.
func (c *Controller) Get(id string) (types.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.workers[id]
	if !ok {
		return types.Snapshot{}, false
	}
	return ws.Snapshot(), true
}

// WakeResult is the outcome of a wake request.
type WakeResult struct {
	Status   string // "already_running", "started", "started_unhealthy"
	PublicIP string
}

// ErrNotAWorker is returned when the target id isn't a managed worker.
var ErrNotAWorker = fmt.Errorf("idle: not a worker or no instance id known")

// ErrWakingInProgress is returned when a wake/stop is already in flight.
var ErrWakingInProgress = fmt.Errorf("idle: wake already in progress")

// ErrInstanceStopping is returned when the instance is mid-shutdown.
var ErrInstanceStopping = fmt.Errorf("idle: instance is stopping")

// Wake implements the wake flow from the spec: describe, start if
// stopped, poll until healthy or the deadline elapses, exit standby if
// applicable.
func (c *Controller) Wake(ctx context.Context, id string) (WakeResult, error) {
	c.mu.Lock()
	ws, ok := c.workers[id]
	if !ok || ws.InstanceID == "" {
		c.mu.Unlock()
		return WakeResult{}, ErrNotAWorker
	}
	if ws.Transitioning {
		c.mu.Unlock()
		return WakeResult{}, ErrWakingInProgress
	}
	instanceID := ws.InstanceID
	ip := ws.PublicIP
	asgName := ws.ASGName
	inStandby := ws.InStandby
	c.mu.Unlock()

	inst, err := c.cloud.DescribeInstance(ctx, instanceID)
	if err != nil {
		return WakeResult{}, fmt.Errorf("idle: describe instance: %w", err)
	}

	if inst.State == cloud.StateRunning {
		_, _ = c.health.Health(ctx, ip, healthTimeout)
		return WakeResult{Status: "already_running", PublicIP: ip}, nil
	}
	if inst.State == cloud.StateStopping {
		return WakeResult{}, ErrInstanceStopping
	}

	c.mu.Lock()
	ws.Transitioning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		ws.Transitioning = false
		c.mu.Unlock()
	}()

	if err := c.cloud.StartInstance(ctx, instanceID); err != nil {
		return WakeResult{}, fmt.Errorf("idle: start instance: %w", err)
	}
	c.mu.Lock()
	ws.Phase = types.PhasePending
	ws.LastActive = time.Now()
	c.mu.Unlock()

	deadline := time.Now().Add(wakeDeadline)
	healthy := false
	for time.Now().Before(deadline) {
		inst, err = c.cloud.DescribeInstance(ctx, instanceID)
		if err == nil {
			if inst.PublicIP != "" && inst.PublicIP != ip {
				ip = inst.PublicIP
				c.mu.Lock()
				ws.PublicIP = ip
				c.mu.Unlock()
			}
			if inst.State == cloud.StateRunning {
				if _, herr := c.health.Health(ctx, ip, healthTimeout); herr == nil {
					healthy = true
					c.mu.Lock()
					ws.Phase = types.PhaseRunning
					c.mu.Unlock()
					break
				}
			}
		}
		select {
		case <-ctx.Done():
			return WakeResult{}, ctx.Err()
		case <-time.After(wakePollEvery):
		}
	}

	if asgName != "" && inStandby {
		if err := c.cloud.ExitStandby(ctx, instanceID, asgName); err == nil {
			c.mu.Lock()
			ws.InStandby = false
			c.mu.Unlock()
		}
	}

	if healthy {
		return WakeResult{Status: "started", PublicIP: ip}, nil
	}
	return WakeResult{Status: "started_unhealthy", PublicIP: ip}, nil
}

// ErrAlreadyStopped is returned when the instance is already
// stopped/stopping.
var ErrAlreadyStopped = fmt.Errorf("idle: instance already stopped or stopping")

// ErrHasActiveJobs is returned when the worker is carrying active jobs.
var ErrHasActiveJobs = fmt.Errorf("idle: worker has active jobs")

// StopWorker implements the stop flow from the spec.
func (c *Controller) StopWorker(ctx context.Context, id string) error {
	c.mu.Lock()
	ws, ok := c.workers[id]
	if !ok || ws.InstanceID == "" {
		c.mu.Unlock()
		return ErrNotAWorker
	}
	if ws.Phase == types.PhaseStopped || ws.Phase == types.PhaseStopping {
		c.mu.Unlock()
		return ErrAlreadyStopped
	}
	if ws.ActiveJobs != 0 {
		c.mu.Unlock()
		return ErrHasActiveJobs
	}
	instanceID := ws.InstanceID
	ip := ws.PublicIP
	asgName := ws.ASGName
	inStandby := ws.InStandby
	c.mu.Unlock()

	report, err := c.health.Health(ctx, ip, healthTimeout)
	if err == nil && report.ActiveJobs > 0 {
		c.mu.Lock()
		ws.ActiveJobs = report.ActiveJobs
		c.mu.Unlock()
		return ErrHasActiveJobs
	}

	c.mu.Lock()
	ws.Transitioning = true
	c.mu.Unlock()

	if asgName != "" && !inStandby {
		if err := c.cloud.EnterStandby(ctx, instanceID, asgName); err != nil {
			c.mu.Lock()
			ws.Transitioning = false
			c.mu.Unlock()
			return fmt.Errorf("idle: enter standby: %w", err)
		}
		c.mu.Lock()
		ws.InStandby = true
		c.mu.Unlock()
	}

	err = c.cloud.StopInstance(ctx, instanceID)
	c.mu.Lock()
	if err == nil {
		ws.Phase = types.PhaseStopping
	}
	ws.Transitioning = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("idle: stop instance: %w", err)
	}
	return nil
}
