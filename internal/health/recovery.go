package health

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// Action is one recovery step the engine performed (or would perform in a
// dry run).
type Action struct {
	Finding    Finding
	Resolution string
	// NewStatus is set when the action transitioned a task.
	NewStatus types.Status
}

// Report summarizes one recovery pass.
type Report struct {
	Findings []Finding
	Actions  []Action
	// RateLimited means detection ran but actions were withheld because the
	// project hit its incidents-per-hour cap.
	RateLimited bool
	DryRun      bool
}

// Engine applies recovery actions for a detector's findings.
type Engine struct {
	detector *Detector
	store    *sqlite.Store
	global   *sqlite.GlobalStore
	locks    *lock.Manager
	// kill terminates a process politely then forcefully; injected for tests.
	kill      func(pid int, grace time.Duration) bool
	killGrace time.Duration
}

// NewEngine builds a recovery engine around a detector.
func NewEngine(d *Detector, locks *lock.Manager) *Engine {
	return &Engine{
		detector:  d,
		store:     d.store,
		global:    d.global,
		locks:     locks,
		kill:      invoke.KillProcess,
		killGrace: invoke.DefaultKillGrace,
	}
}

// Run detects and, unless dryRun, repairs. Runner-level findings are handled
// before task-level ones so a task already reset through its runner entry is
// not charged a second failure; handled task ids are suppressed from the
// task pass.
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Report, error) {
	findings, err := e.detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Findings: findings, DryRun: dryRun}
	if len(findings) == 0 || dryRun {
		return report, nil
	}

	recent, err := e.store.CountIncidentsSince(ctx, e.detector.now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if recent >= e.detector.thresholds.MaxIncidentsPerHour {
		report.RateLimited = true
		return report, nil
	}

	handled := map[string]bool{}
	for _, f := range findings {
		switch f.Mode {
		case types.FailureZombieRunner, types.FailureDeadRunner:
			act, err := e.recoverRunner(ctx, f)
			if err != nil {
				return report, err
			}
			if f.TaskID != "" {
				handled[f.TaskID] = true
			}
			report.Actions = append(report.Actions, act)
		case types.FailureHangingInvocation:
			if handled[f.TaskID] {
				continue
			}
			act, err := e.recoverHanging(ctx, f)
			if err != nil {
				return report, err
			}
			handled[f.TaskID] = true
			report.Actions = append(report.Actions, act)
		}
	}
	for _, f := range findings {
		if f.Mode != types.FailureOrphanedTask || handled[f.TaskID] {
			continue
		}
		act, err := e.recoverOrphaned(ctx, f)
		if err != nil {
			return report, err
		}
		handled[f.TaskID] = true
		report.Actions = append(report.Actions, act)
	}
	return report, nil
}

// recoverRunner clears a zombie or dead runner: kill (zombie only), release
// its leases, reset its task, drop the registry row.
func (e *Engine) recoverRunner(ctx context.Context, f Finding) (Action, error) {
	if f.Mode == types.FailureZombieRunner {
		e.kill(f.RunnerPID, e.killGrace)
	}
	if err := e.locks.ReleaseAllForRunner(ctx, f.RunnerID); err != nil {
		return Action{}, err
	}

	resolution := types.ResolutionKilled
	var newStatus types.Status
	if f.TaskID != "" {
		task, err := e.store.GetTask(ctx, f.TaskID)
		if err == nil && task.Status == types.StatusInProgress {
			newStatus = types.StatusPending
			if _, err := e.store.TransitionTask(ctx, sqlite.Transition{
				TaskID:           f.TaskID,
				To:               types.StatusPending,
				Actor:            "recovery",
				ActorType:        types.ActorRecovery,
				Notes:            f.Details,
				IncrementFailure: true,
			}); err != nil {
				return Action{}, err
			}
		}
	}

	if err := e.global.DeleteRunner(ctx, f.RunnerID); err != nil {
		return Action{}, err
	}
	if err := e.recordResolved(ctx, f, resolution); err != nil {
		return Action{}, err
	}
	return Action{Finding: f, Resolution: resolution, NewStatus: newStatus}, nil
}

// recoverHanging kills the assigned runner, drops its registry row, then
// treats the task as orphaned.
func (e *Engine) recoverHanging(ctx context.Context, f Finding) (Action, error) {
	if f.RunnerPID > 0 {
		e.kill(f.RunnerPID, e.killGrace)
	}
	if f.RunnerID != "" {
		if err := e.locks.ReleaseAllForRunner(ctx, f.RunnerID); err != nil {
			return Action{}, err
		}
		if err := e.global.DeleteRunner(ctx, f.RunnerID); err != nil {
			return Action{}, err
		}
	}
	return e.recoverOrphaned(ctx, f)
}

// recoverOrphaned releases the lease and retries the task, or parks it as
// skipped once it has burned its recovery attempts.
func (e *Engine) recoverOrphaned(ctx context.Context, f Finding) (Action, error) {
	if err := e.locks.ForceReleaseTask(ctx, f.TaskID); err != nil {
		return Action{}, err
	}

	task, err := e.store.GetTask(ctx, f.TaskID)
	if err != nil {
		return Action{}, err
	}
	target := types.StatusPending
	resolution := types.ResolutionAutoRestart
	if task.FailureCount+1 >= e.detector.thresholds.MaxRecoveryAttempts {
		target = types.StatusSkipped
		resolution = types.ResolutionSkipped
	}
	if task.Status == types.StatusInProgress || task.Status == types.StatusReview {
		if _, err := e.store.TransitionTask(ctx, sqlite.Transition{
			TaskID:           f.TaskID,
			To:               target,
			Actor:            "recovery",
			ActorType:        types.ActorRecovery,
			Notes:            f.Details,
			IncrementFailure: true,
		}); err != nil {
			return Action{}, err
		}
	}
	if err := e.recordResolved(ctx, f, resolution); err != nil {
		return Action{}, err
	}
	return Action{Finding: f, Resolution: resolution, NewStatus: target}, nil
}

func (e *Engine) recordResolved(ctx context.Context, f Finding, resolution string) error {
	now := e.detector.now()
	inc := &types.Incident{
		TaskID:     f.TaskID,
		RunnerID:   f.RunnerID,
		Mode:       f.Mode,
		DetectedAt: now,
		ResolvedAt: &now,
		Resolution: resolution,
		Details:    f.Details,
	}
	if err := e.store.RecordIncident(ctx, inc); err != nil {
		return fmt.Errorf("failed to record %s incident: %w", f.Mode, err)
	}
	return nil
}
