// Package rollback implements the rollback planner: find the last
// successful deploy, re-run the deploy pipeline against its image tag,
// and record the outcome as a new rollback-triggered history entry.
package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/ghosthands/pkg/history"
	"github.com/cuemby/ghosthands/pkg/types"
)

// ErrNoPreviousDeploy is returned when there is no successful deploy to
// roll back to.
var ErrNoPreviousDeploy = fmt.Errorf("no previous successful deploy")

// Executor runs a deploy pipeline for the given image tag. Production
// wires *deploy.Orchestrator.Run; tests wire a fake.
type Executor func(ctx context.Context, imageTag string, onLine func(string)) error

// Result is the outcome of a rollback attempt.
type Result struct {
	Success           bool
	Message           string
	RollbackImageTag  string
	DeployRecord      *types.DeployRecord
}

// Planner executes rollbacks against a history store.
type Planner struct {
	History *history.Store
	Execute Executor
}

// New builds a Planner.
func New(store *history.Store, executor Executor) *Planner {
	return &Planner{History: store, Execute: executor}
}

// Run picks the last successful deploy, records and executes a
// rollback to its image tag, and persists the outcome.
func (p *Planner) Run(ctx context.Context, onLine func(string)) (Result, error) {
	last, err := p.History.LastSuccessful()
	if err != nil {
		return Result{}, fmt.Errorf("rollback: read history: %w", err)
	}
	if last == nil {
		return Result{Success: false, Message: ErrNoPreviousDeploy.Error()}, ErrNoPreviousDeploy
	}

	record := &types.DeployRecord{
		ID:        history.NewID(),
		ImageTag:  last.ImageTag,
		Status:    types.DeployStatusDeploying,
		StartedAt: time.Now(),
		Trigger:   types.TriggerRollback,
	}
	if err := p.History.Append(record); err != nil {
		return Result{}, fmt.Errorf("rollback: append history: %w", err)
	}

	start := time.Now()
	execErr := p.Execute(ctx, last.ImageTag, onLine)
	record.CompletedAt = time.Now()
	record.Duration = time.Since(start)

	if execErr != nil {
		record.Status = types.DeployStatusFailed
		record.Error = execErr.Error()
		_ = p.History.Update(record)
		return Result{
			Success:          false,
			Message:          execErr.Error(),
			RollbackImageTag: last.ImageTag,
			DeployRecord:     record,
		}, execErr
	}

	record.Status = types.DeployStatusCompleted
	if err := p.History.Update(record); err != nil {
		return Result{}, fmt.Errorf("rollback: update history: %w", err)
	}

	return Result{
		Success:          true,
		Message:          fmt.Sprintf("rolled back to %s", last.ImageTag),
		RollbackImageTag: last.ImageTag,
		DeployRecord:     record,
	}, nil
}
