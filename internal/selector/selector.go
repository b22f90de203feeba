// Package selector chooses the next task for a runner under the priority
// policy: finish review work first, resume abandoned in_progress work next,
// then start pending work. A returned task is always leased by the caller.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// Action tells the orchestrator what the selected task needs next.
type Action string

const (
	ActionStart  Action = "start"
	ActionResume Action = "resume"
	ActionReview Action = "review"
)

// Options configures one selection pass.
type Options struct {
	RunnerID string
	// Sections is an ordered scope: when non-empty only tasks in these
	// sections are considered, earlier entries preferred within each tier.
	Sections     []string
	LeaseTimeout time.Duration
	BatchMode    bool
	MaxBatchSize int
}

// Selection is a leased unit of work. Batch holds additional same-section
// pending tasks (all leased) when batch mode produced more than one.
type Selection struct {
	Task   *types.Task
	Action Action
	Reason types.AcquireReason
	Batch  []*types.Task
}

// Selector binds the store and lock manager.
type Selector struct {
	store *sqlite.Store
	locks *lock.Manager
	now   func() time.Time
}

// New builds a selector.
func New(store *sqlite.Store, locks *lock.Manager) *Selector {
	return &Selector{store: store, locks: locks, now: time.Now}
}

// Next returns the next leased task for the runner, or nil when no eligible
// task exists right now. Callers distinguish "temporarily held" from "all
// done" via CountTasks.
func (s *Selector) Next(ctx context.Context, opts Options) (*Selection, error) {
	// Holders discovered to be live during this pass; extended each time an
	// acquire loses a race so the re-query skips the new holder.
	busy := map[string]bool{}

	for {
		candidate, action, err := s.pickCandidate(ctx, opts, busy)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}

		res, err := s.locks.AcquireTask(ctx, candidate.ID, opts.RunnerID, opts.LeaseTimeout)
		if err != nil {
			return nil, err
		}
		if !res.Acquired {
			busy[candidate.ID] = true
			continue
		}

		sel := &Selection{Task: candidate, Action: action, Reason: res.Reason}
		if opts.BatchMode && action == ActionStart && candidate.SectionID != "" {
			if err := s.fillBatch(ctx, opts, sel, busy); err != nil {
				return nil, err
			}
		}
		return sel, nil
	}
}

// pickCandidate walks the three priority tiers and returns the first task
// not held under a live lease by another runner.
func (s *Selector) pickCandidate(ctx context.Context, opts Options, busy map[string]bool) (*types.Task, Action, error) {
	held, err := s.heldByOthers(ctx, opts.RunnerID)
	if err != nil {
		return nil, "", err
	}

	tiers := []struct {
		status types.Status
		action Action
	}{
		{types.StatusReview, ActionReview},
		{types.StatusInProgress, ActionResume},
		{types.StatusPending, ActionStart},
	}

	for _, tier := range tiers {
		tasks, err := s.store.ListTasks(ctx, sqlite.TaskFilter{
			Statuses:   []types.Status{tier.status},
			SectionIDs: opts.Sections,
		})
		if err != nil {
			return nil, "", err
		}
		orderByScope(tasks, opts.Sections)
		for _, t := range tasks {
			if busy[t.ID] || held[t.ID] {
				continue
			}
			return t, tier.action, nil
		}
	}
	return nil, "", nil
}

// heldByOthers returns the set of task ids under an unexpired lease owned by
// a different runner. The runner's own leases never block selection.
func (s *Selector) heldByOthers(ctx context.Context, runnerID string) (map[string]bool, error) {
	locks, err := s.locks.ListTaskLocks(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	now := s.now()
	held := map[string]bool{}
	for _, l := range locks {
		if l.RunnerID != runnerID && !l.Expired(now) {
			held[l.TaskID] = true
		}
	}
	return held, nil
}

// orderByScope stably reorders tasks so sections earlier in the scope list
// come first. ListTasks already ordered by (position, created_at).
func orderByScope(tasks []*types.Task, scope []string) {
	if len(scope) == 0 {
		return
	}
	rank := map[string]int{}
	for i, id := range scope {
		rank[id] = i
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return rank[tasks[i].SectionID] < rank[tasks[j].SectionID]
	})
}

// fillBatch extends a pending selection with more pending tasks from the
// same section, each leased. A batch is lease-safe only if every member is
// leased; on any failure the extras are released and the selection falls
// back to the primary task alone.
func (s *Selector) fillBatch(ctx context.Context, opts Options, sel *Selection, busy map[string]bool) error {
	max := opts.MaxBatchSize
	if max <= 1 {
		return nil
	}

	tasks, err := s.store.ListTasks(ctx, sqlite.TaskFilter{
		Statuses:   []types.Status{types.StatusPending},
		SectionIDs: []string{sel.Task.SectionID},
	})
	if err != nil {
		return err
	}

	var extras []*types.Task
	for _, t := range tasks {
		if len(extras)+1 >= max {
			break
		}
		if t.ID == sel.Task.ID || busy[t.ID] {
			continue
		}
		res, err := s.locks.AcquireTask(ctx, t.ID, opts.RunnerID, opts.LeaseTimeout)
		if err != nil || !res.Acquired {
			// Abort the batch: release the extras and keep the primary.
			for _, e := range extras {
				_ = s.locks.ReleaseTask(ctx, e.ID, opts.RunnerID)
			}
			if err != nil {
				return err
			}
			return nil
		}
		extras = append(extras, t)
	}
	sel.Batch = extras
	return nil
}

// Wait polls Next until a task is leased, all work completes (returns nil),
// the wait timeout elapses (returns nil), or ctx is cancelled.
func (s *Selector) Wait(ctx context.Context, opts Options, pollInterval, waitTimeout time.Duration) (*Selection, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	deadline := s.now().Add(waitTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrCancelled
		}
		sel, err := s.Next(ctx, opts)
		if err != nil {
			return nil, err
		}
		if sel != nil {
			return sel, nil
		}

		counts, err := s.store.CountTasks(ctx)
		if err != nil {
			return nil, err
		}
		if !counts.Active() {
			return nil, nil // all done; holds vanished because tasks completed
		}
		if waitTimeout > 0 && !s.now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, types.ErrCancelled
		}
	}
}
