package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// lastSanitizeKey is the _schema key recording the previous sanitize run.
const lastSanitizeKey = "sanitize_last_run"

// SanitizeReport summarizes one sanitize pass.
type SanitizeReport struct {
	// Skipped means the previous run was recent enough to stand.
	Skipped          bool
	ClosedInvocations int
	Approved         int
	Rejected         int
	ExpiredLeases    int
}

// Sanitizer closes runaway invocations left behind by vanished runners and
// sweeps expired leases. For reviewer invocations it salvages the verdict
// from the invocation's log file instead of discarding the work.
type Sanitizer struct {
	store  *sqlite.Store
	locks  *lock.Manager
	logDir string
	// Interval gates how often a pass actually runs; InvocationTimeout is
	// how old a running invocation must be before it is touched.
	Interval          time.Duration
	InvocationTimeout time.Duration
	now               func() time.Time
}

// NewSanitizer builds a sanitizer. logDir is where invocation logs live.
func NewSanitizer(store *sqlite.Store, locks *lock.Manager, logDir string, interval, invocationTimeout time.Duration) *Sanitizer {
	return &Sanitizer{
		store:             store,
		locks:             locks,
		logDir:            logDir,
		Interval:          interval,
		InvocationTimeout: invocationTimeout,
		now:               time.Now,
	}
}

// Run performs one sanitize pass, at most once per Interval. The last-run
// timestamp is persisted in the store so the gate holds across processes.
func (s *Sanitizer) Run(ctx context.Context) (*SanitizeReport, error) {
	now := s.now()
	last, err := s.store.GetMeta(ctx, lastSanitizeKey)
	if err != nil {
		return nil, err
	}
	if last != "" {
		if prev, perr := sqlite.ParseTime(last); perr == nil && now.Sub(prev) < s.Interval {
			return &SanitizeReport{Skipped: true}, nil
		}
	}
	if err := s.store.SetMeta(ctx, lastSanitizeKey, sqlite.FormatTime(now)); err != nil {
		return nil, err
	}

	report := &SanitizeReport{}
	running, err := s.store.RunningInvocations(ctx)
	if err != nil {
		return nil, err
	}
	for _, inv := range running {
		age := now.Sub(time.UnixMilli(inv.StartedAtMs))
		if age < s.InvocationTimeout {
			continue
		}
		claimed, err := s.taskClaimed(ctx, inv.TaskID, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			continue
		}
		if err := s.closeRunaway(ctx, inv, report); err != nil {
			return nil, err
		}
	}

	swept, err := s.locks.CleanupExpired(ctx)
	if err != nil {
		return nil, err
	}
	report.ExpiredLeases = swept
	return report, nil
}

// taskClaimed reports whether an unexpired lease currently covers the task.
func (s *Sanitizer) taskClaimed(ctx context.Context, taskID string, now time.Time) (bool, error) {
	l, err := s.locks.GetTaskLock(ctx, taskID)
	if err != nil {
		return false, err
	}
	return l != nil && !l.Expired(now), nil
}

// closeRunaway finalizes one abandoned invocation. A reviewer verdict found
// in the log file is applied; anything else closes as timed out.
func (s *Sanitizer) closeRunaway(ctx context.Context, inv *types.Invocation, report *SanitizeReport) error {
	decision := invoke.DecisionNone
	if inv.Role == types.RoleReviewer && s.logDir != "" {
		if raw, err := os.ReadFile(invoke.InvocationLogPath(s.logDir, inv.ID)); err == nil {
			decision = invoke.ParseDecision(string(raw))
		}
	}

	if decision != invoke.DecisionNone {
		task, err := s.store.GetTask(ctx, inv.TaskID)
		if err == nil && task.Status == types.StatusReview {
			tr := sqlite.Transition{
				TaskID:    inv.TaskID,
				Actor:     "sanitizer",
				ActorType: types.ActorRecovery,
				Model:     inv.Model,
				Notes:     fmt.Sprintf("verdict salvaged from invocation %d log", inv.ID),
			}
			switch decision {
			case invoke.DecisionApprove:
				tr.To = types.StatusCompleted
				report.Approved++
			case invoke.DecisionReject:
				tr.To = types.StatusInProgress
				tr.IncrementRejection = true
				report.Rejected++
			}
			if _, err := s.store.TransitionTask(ctx, tr); err != nil {
				return err
			}
			if err := s.store.CloseInvocation(ctx, inv.ID, sqlite.InvocationClose{
				Status:     types.InvocationCompleted,
				Success:    true,
				DurationMs: s.now().UnixMilli() - inv.StartedAtMs,
			}); err != nil {
				return err
			}
			report.ClosedInvocations++
			return nil
		}
	}

	if err := s.store.CloseInvocation(ctx, inv.ID, sqlite.InvocationClose{
		Status:     types.InvocationTimeout,
		TimedOut:   true,
		Error:      "closed by sanitizer: no activity and no live claim",
		DurationMs: s.now().UnixMilli() - inv.StartedAtMs,
	}); err != nil {
		return err
	}
	report.ClosedInvocations++
	return nil
}
