// Package health detects stuck tasks, hung invocations, and defunct runner
// processes from persisted state, and applies conservative, idempotent
// recovery actions. Detection is a pure function of the two stores plus an
// injected process-liveness predicate, so it is fully testable without
// spawning anything.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// Thresholds are the detection knobs, all sourced from config.
type Thresholds struct {
	OrphanedTaskTimeout    time.Duration
	InvocationStaleness    time.Duration
	RunnerHeartbeatTimeout time.Duration
	MaxCoderDuration       time.Duration
	MaxReviewerDuration    time.Duration
	// DBInconsistencyRecent bounds how fresh an in_progress task with no
	// invocations must be to count as a transient write gap.
	DBInconsistencyRecent time.Duration
	MaxRecoveryAttempts   int
	MaxIncidentsPerHour   int
}

// DefaultThresholds mirror the config defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OrphanedTaskTimeout:    600 * time.Second,
		InvocationStaleness:    600 * time.Second,
		RunnerHeartbeatTimeout: 300 * time.Second,
		MaxCoderDuration:       1800 * time.Second,
		MaxReviewerDuration:    900 * time.Second,
		DBInconsistencyRecent:  60 * time.Second,
		MaxRecoveryAttempts:    3,
		MaxIncidentsPerHour:    10,
	}
}

// Finding is one detected pathology.
type Finding struct {
	Mode      types.FailureMode
	TaskID    string
	RunnerID  string
	RunnerPID int
	Details   string
}

// Detector evaluates the detection rules against one project.
type Detector struct {
	store       *sqlite.Store
	global      *sqlite.GlobalStore
	projectPath string
	thresholds  Thresholds
	// alive reports whether an OS process exists; injected for tests.
	alive func(pid int) bool
	now   func() time.Time
}

// NewDetector builds a detector over the project and global stores.
func NewDetector(store *sqlite.Store, global *sqlite.GlobalStore, projectPath string, t Thresholds) *Detector {
	return &Detector{
		store:       store,
		global:      global,
		projectPath: projectPath,
		thresholds:  t,
		alive:       invoke.ProcessAlive,
		now:         time.Now,
	}
}

// Detect returns every pathology visible right now, runner findings first.
func (d *Detector) Detect(ctx context.Context) ([]Finding, error) {
	now := d.now()

	runners, err := d.global.ListRunners(ctx, d.projectPath)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	// Fresh-heartbeat runner per task, for the task-level rules below.
	activeByTask := map[string]*types.Runner{}
	for _, r := range runners {
		fresh := now.Sub(r.HeartbeatAt) <= d.thresholds.RunnerHeartbeatTimeout
		if r.Status == types.RunnerRunning && fresh && r.CurrentTaskID != "" {
			activeByTask[r.CurrentTaskID] = r
		}
		if r.Status != types.RunnerRunning {
			continue
		}
		switch {
		case !d.alive(r.PID):
			findings = append(findings, Finding{
				Mode:      types.FailureDeadRunner,
				RunnerID:  r.ID,
				RunnerPID: r.PID,
				TaskID:    r.CurrentTaskID,
				Details:   fmt.Sprintf("runner %s pid %d is gone", r.ID, r.PID),
			})
		case !fresh:
			findings = append(findings, Finding{
				Mode:      types.FailureZombieRunner,
				RunnerID:  r.ID,
				RunnerPID: r.PID,
				TaskID:    r.CurrentTaskID,
				Details: fmt.Sprintf("runner %s pid %d alive but silent since %s",
					r.ID, r.PID, r.HeartbeatAt.Format(time.RFC3339)),
			})
		}
	}

	tasks, err := d.store.ListTasks(ctx, sqlite.TaskFilter{
		Statuses: []types.Status{types.StatusInProgress, types.StatusReview},
	})
	if err != nil {
		return nil, err
	}

	for _, task := range tasks {
		f, err := d.checkTask(ctx, task, activeByTask[task.ID], now)
		if err != nil {
			return nil, err
		}
		if f != nil {
			findings = append(findings, *f)
		}
	}
	return findings, nil
}

func (d *Detector) checkTask(ctx context.Context, task *types.Task, active *types.Runner, now time.Time) (*Finding, error) {
	latest, err := d.store.LatestInvocation(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	age := now.Sub(task.UpdatedAt)

	// Transient write gap: the runner claimed the task moments ago and has
	// not written its first invocation yet. Report only.
	if task.Status == types.StatusInProgress && latest == nil {
		if age <= d.thresholds.DBInconsistencyRecent {
			return &Finding{
				Mode:    types.FailureDBInconsistency,
				TaskID:  task.ID,
				Details: "in_progress with no invocations, updated recently",
			}, nil
		}
	}

	if active != nil {
		// A live runner owns the task; the only pathology left is an
		// invocation that stopped producing output.
		if latest == nil || latest.Status != types.InvocationRunning {
			return nil, nil
		}
		if latest.LastActivityMs > 0 {
			activityAge := now.Sub(time.UnixMilli(latest.LastActivityMs))
			if activityAge > d.thresholds.InvocationStaleness {
				return &Finding{
					Mode:      types.FailureHangingInvocation,
					TaskID:    task.ID,
					RunnerID:  active.ID,
					RunnerPID: active.PID,
					Details:   fmt.Sprintf("invocation %d silent for %s", latest.ID, activityAge.Round(time.Second)),
				}, nil
			}
			return nil, nil
		}
		limit := d.thresholds.MaxCoderDuration
		if latest.Role == types.RoleReviewer {
			limit = d.thresholds.MaxReviewerDuration
		}
		if age > limit {
			return &Finding{
				Mode:      types.FailureHangingInvocation,
				TaskID:    task.ID,
				RunnerID:  active.ID,
				RunnerPID: active.PID,
				Details:   fmt.Sprintf("invocation %d exceeded %s wall clock", latest.ID, limit),
			}, nil
		}
		return nil, nil
	}

	// No live runner. An in_progress task abandoned long enough, with no
	// recent invocation starts, is orphaned.
	if task.Status != types.StatusInProgress || age <= d.thresholds.OrphanedTaskTimeout {
		return nil, nil
	}
	if latest != nil {
		startAge := now.Sub(time.UnixMilli(latest.StartedAtMs))
		if startAge <= d.thresholds.InvocationStaleness {
			return nil, nil
		}
	}
	return &Finding{
		Mode:    types.FailureOrphanedTask,
		TaskID:  task.ID,
		Details: fmt.Sprintf("in_progress untouched for %s with no live runner", age.Round(time.Second)),
	}, nil
}
