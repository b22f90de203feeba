// Package runner drives one loop process against one project: select a
// task, lease it, run the coder, hand the result to the reviewer, record the
// outcome, release the lease, repeat until idle or told to stop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/health"
	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/provider"
	"github.com/steroids-dev/steroids/internal/selector"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// Params configures a runner.
type Params struct {
	ProjectPath string
	Cfg         *config.Config
	Store       *sqlite.Store
	Global      *sqlite.GlobalStore
	Logger      *log.Logger
	// Once processes at most one task, then exits; credit exhaustion fails
	// immediately instead of pausing.
	Once bool
	// Sections is the ordered section scope passed to the selector.
	Sections      []string
	StreamToStdio bool
}

// Runner is one orchestrator loop.
type Runner struct {
	ID            string
	Once          bool
	Sections      []string
	StreamToStdio bool

	projectPath string
	cfg         *config.Config
	store       *sqlite.Store
	global      *sqlite.GlobalStore
	locks       *lock.Manager
	sel         *selector.Selector
	sup         *invoke.Supervisor
	hooks       *hooks.Dispatcher
	sanitizer   *health.Sanitizer
	recovery    *health.Engine
	logger      *log.Logger
	watcher     *config.Watcher

	stopRequested atomic.Bool
	// guidance holds coordinator steers keyed by task id for the current
	// rejection cycle.
	guidance map[string]*Guidance
}

// New wires a runner from its parameters.
func New(p Params) *Runner {
	locks := lock.NewManager(p.Store)
	r := &Runner{
		ID:            "runner-" + uuid.NewString()[:8],
		Once:          p.Once,
		Sections:      p.Sections,
		StreamToStdio: p.StreamToStdio,
		projectPath:   p.ProjectPath,
		cfg:           p.Cfg,
		store:         p.Store,
		global:        p.Global,
		locks:         locks,
		sel:           selector.New(p.Store, locks),
		sup:           invoke.New(p.Store),
		logger:        p.Logger,
		guidance:      map[string]*Guidance{},
	}
	r.hooks = hooks.New(p.ProjectPath,
		filepath.Join(p.ProjectPath, config.SteroidsDirName, "hooks"),
		webhookURLs(p.Cfg), p.Logger)
	r.sanitizer = health.NewSanitizer(p.Store, locks, r.invocationLogDir(),
		time.Duration(p.Cfg.GetInt("health.sanitiseIntervalMinutes"))*time.Minute,
		time.Duration(p.Cfg.GetInt("health.sanitiseInvocationTimeoutSec"))*time.Second)
	detector := health.NewDetector(p.Store, p.Global, p.ProjectPath, thresholdsFromConfig(p.Cfg))
	r.recovery = health.NewEngine(detector, locks)
	return r
}

// RequestStop asks the loop to finish its current iteration and exit.
func (r *Runner) RequestStop() { r.stopRequested.Store(true) }

func (r *Runner) shouldStop() bool { return r.stopRequested.Load() }

// roleSlot resolves the provider, model, and optional custom template for a
// configured role.
type slot struct {
	provider provider.Provider
	model    string
	template string
}

func (r *Runner) roleSlot(role types.Role) slot {
	prefix := "ai." + string(role) + "."
	p := provider.Get(r.cfg.GetString(prefix + "provider"))
	model := r.cfg.GetString(prefix + "model")
	if model == "" {
		model = p.DefaultModel(role)
	}
	return slot{provider: p, model: model, template: r.cfg.GetString(prefix + "cli")}
}

func (r *Runner) invocationLogDir() string {
	return filepath.Join(r.projectPath, config.SteroidsDirName, "invocations")
}

// Run executes the loop until no work remains, stop is requested, or ctx is
// cancelled. A clean idle exit returns nil; once mode with nothing to do
// returns ErrNoWork.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	defer r.deregister()

	if w, err := config.NewWatcher(r.cfg); err == nil {
		r.watcher = w
		w.Start(ctx)
		defer w.Close()
	}

	pollInterval := r.cfg.GetDuration("locking.pollInterval", 5*time.Second)
	leaseTimeout := r.cfg.GetDuration("locking.taskTimeout", time.Hour)

	for {
		if r.shouldStop() || ctx.Err() != nil {
			r.logger.Printf("runner %s stopping on request", r.ID)
			return nil
		}
		if err := r.global.HeartbeatRunner(ctx, r.ID); err != nil {
			r.logger.Printf("runner heartbeat failed: %v", err)
		}
		r.housekeep(ctx)

		sel, err := r.sel.Next(ctx, selector.Options{
			RunnerID:     r.ID,
			Sections:     r.Sections,
			LeaseTimeout: leaseTimeout,
			BatchMode:    r.cfg.GetBool("sections.batchMode"),
			MaxBatchSize: r.cfg.GetInt("sections.maxBatchSize"),
		})
		if err != nil {
			return err
		}
		if sel == nil {
			counts, err := r.store.CountTasks(ctx)
			if err != nil {
				return err
			}
			if !counts.Active() {
				r.logger.Printf("runner %s idle: no pending, in_progress, or review tasks", r.ID)
				_ = r.global.UpdateProjectStats(ctx, r.projectPath, counts)
				return nil
			}
			if r.Once {
				return types.ErrNoWork
			}
			if !r.sleep(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if err := r.process(ctx, sel); err != nil {
			if errors.Is(err, types.ErrCancelled) {
				return nil
			}
			return err
		}
		if r.Once {
			return nil
		}
	}
}

// housekeep runs the sanitizer (self-gated by its interval) and, when
// enabled, one auto-recovery pass.
func (r *Runner) housekeep(ctx context.Context) {
	if r.cfg.GetBool("health.sanitiseEnabled") {
		if rep, err := r.sanitizer.Run(ctx); err != nil {
			r.logger.Printf("sanitize failed: %v", err)
		} else if rep != nil && !rep.Skipped && (rep.ClosedInvocations > 0 || rep.ExpiredLeases > 0) {
			r.logger.Printf("sanitize: closed %d invocations (%d approved, %d rejected), swept %d leases",
				rep.ClosedInvocations, rep.Approved, rep.Rejected, rep.ExpiredLeases)
		}
	}
	if r.cfg.GetBool("health.autoRecover") {
		if rep, err := r.recovery.Run(ctx, false); err != nil {
			r.logger.Printf("recovery failed: %v", err)
		} else if len(rep.Actions) > 0 {
			for _, act := range rep.Actions {
				r.logger.Printf("recovered %s on task %s: %s", act.Finding.Mode, act.Finding.TaskID, act.Resolution)
			}
			r.hooks.Fire(hooks.EventHealthChanged, map[string]any{"actions": len(rep.Actions)})
		}
	}
}

// process drives one selected (and already leased) task through its next
// phase. The lease and runner bookkeeping are torn down on every path.
func (r *Runner) process(ctx context.Context, sel *selector.Selection) error {
	task := sel.Task
	_ = r.global.SetRunnerTask(ctx, r.ID, task.ID)

	hb := r.locks.StartHeartbeat(ctx, task.ID, r.ID,
		r.cfg.GetDuration("runners.heartbeatInterval", lock.DefaultHeartbeatInterval),
		func(err error) { r.logger.Printf("lease heartbeat for %s: %v", task.ID, err) })
	defer func() {
		hb.Stop()
		r.releaseSelection(sel)
		_ = r.global.SetRunnerTask(context.Background(), r.ID, "")
	}()

	if sel.Action == selector.ActionStart {
		if err := r.startTasks(ctx, sel); err != nil {
			return err
		}
	}

	switch sel.Action {
	case selector.ActionStart, selector.ActionResume:
		return r.runCoder(ctx, task, sel.Batch)
	case selector.ActionReview:
		return r.runReviewer(ctx, task)
	}
	return nil
}

// startTasks transitions the selection's pending tasks to in_progress.
func (r *Runner) startTasks(ctx context.Context, sel *selector.Selection) error {
	coder := r.roleSlot(types.RoleCoder)
	for _, task := range append([]*types.Task{sel.Task}, sel.Batch...) {
		if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
			TaskID:    task.ID,
			To:        types.StatusInProgress,
			Actor:     r.ID,
			ActorType: types.ActorAI,
			Model:     coder.model,
		}); err != nil {
			return err
		}
		task.Status = types.StatusInProgress
		r.hooks.Fire(hooks.EventTaskUpdated, map[string]any{
			"task_id": task.ID, "status": string(types.StatusInProgress),
		})
	}
	return nil
}

// runCoder executes the coder phase. Clean success moves the task(s) to
// review; credit exhaustion pauses; everything else is transient and leaves
// the task in_progress for the next pass or recovery.
func (r *Runner) runCoder(ctx context.Context, task *types.Task, batch []*types.Task) error {
	if task.RejectionCount >= rejectionInterventionAt && r.guidance[task.ID] == nil {
		if g := r.consultCoordinator(ctx, task); g != nil {
			r.guidance[task.ID] = g
			r.logger.Printf("coordinator on %s: %s", task.ID, g.Decision)
		}
	}

	coder := r.roleSlot(types.RoleCoder)
	out, err := r.sup.Run(ctx, invoke.Options{
		TaskID:          task.ID,
		Role:            types.RoleCoder,
		Provider:        coder.provider,
		Model:           coder.model,
		Prompt:          coderPrompt(task, batch, r.guidance[task.ID]),
		Dir:             r.projectPath,
		ActivityTimeout: hangTimeout(r.cfg),
		OnActivity:      func() {},
		StreamToStdio:   r.StreamToStdio,
		ShellTemplate:   coder.template,
		LogDir:          r.invocationLogDir(),
		RejectionNumber: task.RejectionCount,
	})
	if err != nil {
		if errors.Is(err, types.ErrCancelled) {
			return err
		}
		if errors.Is(err, types.ErrProviderMissing) {
			r.logger.Printf("coder unavailable for %s: %v", task.ID, err)
			return nil
		}
		return err
	}

	if out.Success {
		for _, t := range append([]*types.Task{task}, batch...) {
			if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
				TaskID:    t.ID,
				To:        types.StatusReview,
				Actor:     r.ID,
				ActorType: types.ActorAI,
				Model:     coder.model,
				Notes:     fmt.Sprintf("coder finished in %dms", out.DurationMs),
			}); err != nil {
				return err
			}
			r.hooks.Fire(hooks.EventTaskUpdated, map[string]any{
				"task_id": t.ID, "status": string(types.StatusReview),
			})
		}
		return nil
	}

	if out.Classification.Type == provider.FailureCreditExhaustion {
		resumed, err := r.creditPause(ctx, types.RoleCoder)
		if err != nil {
			return err
		}
		if !resumed {
			r.RequestStop()
		}
		return nil
	}

	r.logger.Printf("coder failed on %s (%s, exit %d): %s",
		task.ID, out.Classification.Type, out.ExitCode, out.Classification.Message)
	return nil
}

// runReviewer executes the review phase and applies the verdict.
func (r *Runner) runReviewer(ctx context.Context, task *types.Task) error {
	coderResponse := ""
	if inv, err := r.store.LatestInvocation(ctx, task.ID); err == nil && inv != nil && inv.Role == types.RoleCoder {
		coderResponse = inv.Response
	}

	reviewer := r.roleSlot(types.RoleReviewer)
	out, err := r.sup.Run(ctx, invoke.Options{
		TaskID:          task.ID,
		Role:            types.RoleReviewer,
		Provider:        reviewer.provider,
		Model:           reviewer.model,
		Prompt:          reviewerPrompt(task, coderResponse, r.guidance[task.ID]),
		Dir:             r.projectPath,
		ActivityTimeout: hangTimeout(r.cfg),
		StreamToStdio:   r.StreamToStdio,
		ShellTemplate:   reviewer.template,
		LogDir:          r.invocationLogDir(),
		RejectionNumber: task.RejectionCount,
	})
	if err != nil {
		if errors.Is(err, types.ErrCancelled) {
			return err
		}
		if errors.Is(err, types.ErrProviderMissing) {
			r.logger.Printf("reviewer unavailable for %s: %v", task.ID, err)
			return nil
		}
		return err
	}

	if !out.Success {
		if out.Classification.Type == provider.FailureCreditExhaustion {
			resumed, err := r.creditPause(ctx, types.RoleReviewer)
			if err != nil {
				return err
			}
			if !resumed {
				r.RequestStop()
			}
			return nil
		}
		r.logger.Printf("reviewer failed on %s (%s): task stays in review",
			task.ID, out.Classification.Type)
		return nil
	}

	switch invoke.ParseDecision(out.Stdout) {
	case invoke.DecisionApprove:
		return r.approve(ctx, task, reviewer.model)
	case invoke.DecisionReject:
		return r.reject(ctx, task, reviewer.model, out.Stdout)
	default:
		r.logger.Printf("reviewer gave no decision on %s: task stays in review", task.ID)
		return nil
	}
}

func (r *Runner) approve(ctx context.Context, task *types.Task, model string) error {
	if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
		TaskID:    task.ID,
		To:        types.StatusCompleted,
		Actor:     r.ID,
		ActorType: types.ActorAI,
		Model:     model,
		Notes:     "reviewer approved",
	}); err != nil {
		return err
	}
	delete(r.guidance, task.ID)
	r.hooks.Fire(hooks.EventTaskCompleted, map[string]any{
		"task_id": task.ID, "title": task.Title,
	})

	_ = r.global.AppendActivity(ctx, sqlite.ActivityEntry{
		ProjectPath: r.projectPath,
		RunnerID:    r.ID,
		TaskID:      task.ID,
		TaskTitle:   task.Title,
		FinalStatus: string(types.StatusCompleted),
	})
	if counts, err := r.store.CountTasks(ctx); err == nil {
		_ = r.global.UpdateProjectStats(ctx, r.projectPath, counts)
	}
	r.checkSectionDone(ctx, task.SectionID)
	return nil
}

func (r *Runner) reject(ctx context.Context, task *types.Task, model, review string) error {
	if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
		TaskID:             task.ID,
		To:                 types.StatusInProgress,
		Actor:              r.ID,
		ActorType:          types.ActorAI,
		Model:              model,
		Notes:              truncateWords(review, 200),
		IncrementRejection: true,
	}); err != nil {
		return err
	}
	fresh, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	r.logger.Printf("reviewer rejected %s (rejection %d)", task.ID, fresh.RejectionCount)

	if fresh.RejectionCount < types.MaxRejections {
		return nil
	}
	// The pair has deadlocked; hand the task to a human.
	if r.cfg.GetBool("disputes.autoCreateOnMaxRejections") {
		dispute := &types.Dispute{
			TaskID:           task.ID,
			Reason:           fmt.Sprintf("rejected %d times", fresh.RejectionCount),
			ReviewerPosition: truncateWords(review, 500),
			CreatedBy:        r.ID,
		}
		if err := r.store.CreateDispute(ctx, dispute); err != nil {
			return err
		}
		if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
			TaskID:    task.ID,
			To:        types.StatusDisputed,
			Actor:     r.ID,
			ActorType: types.ActorSystem,
			Notes:     "rejection cap reached, dispute " + dispute.ID,
		}); err != nil {
			return err
		}
		r.hooks.Fire(hooks.EventDisputeCreated, map[string]any{
			"task_id": task.ID, "dispute_id": dispute.ID,
		})
		return nil
	}
	if _, err := r.store.TransitionTask(ctx, sqlite.Transition{
		TaskID:    task.ID,
		To:        types.StatusFailed,
		Actor:     r.ID,
		ActorType: types.ActorSystem,
		Notes:     "rejection cap reached with disputes disabled",
	}); err != nil {
		return err
	}
	r.hooks.Fire(hooks.EventTaskFailed, map[string]any{"task_id": task.ID})
	return nil
}

// checkSectionDone fires section.completed when no task in the section still
// needs loop attention.
func (r *Runner) checkSectionDone(ctx context.Context, sectionID string) {
	if sectionID == "" {
		return
	}
	tasks, err := r.store.ListTasks(ctx, sqlite.TaskFilter{SectionIDs: []string{sectionID}})
	if err != nil {
		return
	}
	for _, t := range tasks {
		switch t.Status {
		case types.StatusPending, types.StatusInProgress, types.StatusReview:
			return
		}
	}
	r.hooks.Fire(hooks.EventSectionCompleted, map[string]any{"section_id": sectionID})
}

// releaseSelection drops every lease the selection holds. A lease that
// expired and was claimed elsewhere reports not-owned; that is logged and
// ignored.
func (r *Runner) releaseSelection(sel *selector.Selection) {
	ctx := context.Background()
	for _, t := range append([]*types.Task{sel.Task}, sel.Batch...) {
		if err := r.locks.ReleaseTask(ctx, t.ID, r.ID); err != nil {
			if errors.Is(err, types.ErrLockNotFound) {
				r.logger.Printf("lease on %s already gone at release", t.ID)
			} else {
				r.logger.Printf("failed to release lease on %s: %v", t.ID, err)
			}
		}
	}
}

func (r *Runner) register(ctx context.Context) error {
	if err := r.global.RegisterRunner(ctx, &types.Runner{
		ID:          r.ID,
		PID:         os.Getpid(),
		ProjectPath: r.projectPath,
	}); err != nil {
		return err
	}
	name := filepath.Base(r.projectPath)
	if err := r.global.TouchProject(ctx, r.projectPath, name); err != nil {
		return err
	}
	r.logger.Printf("runner %s registered (pid %d) for %s", r.ID, os.Getpid(), r.projectPath)
	return nil
}

func (r *Runner) deregister() {
	ctx := context.Background()
	if err := r.locks.ReleaseAllForRunner(ctx, r.ID); err != nil {
		r.logger.Printf("failed to release leases on shutdown: %v", err)
	}
	if err := r.global.DeleteRunner(ctx, r.ID); err != nil {
		r.logger.Printf("failed to deregister runner: %v", err)
	}
	r.hooks.Wait()
}

// sleep waits for d, returning false when the runner should stop instead.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return !r.shouldStop()
	case <-ctx.Done():
		return false
	}
}

func webhookURLs(cfg *config.Config) []string {
	raw := cfg.Get("hooks.webhooks")
	var urls []string
	switch v := raw.(type) {
	case []string:
		urls = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				urls = append(urls, s)
			}
		}
	}
	return urls
}

// hangTimeout is the in-process watchdog window for child invocations. It is
// a runner knob, separate from health.invocationStaleness so the detector
// still has its own threshold for processes this watchdog failed to kill.
func hangTimeout(cfg *config.Config) time.Duration {
	return cfg.GetDuration("runners.subprocessHangTimeout", invoke.DefaultActivityTimeout)
}

func thresholdsFromConfig(cfg *config.Config) health.Thresholds {
	t := health.DefaultThresholds()
	t.OrphanedTaskTimeout = cfg.GetDuration("health.orphanedTaskTimeout", t.OrphanedTaskTimeout)
	t.InvocationStaleness = cfg.GetDuration("health.invocationStaleness", t.InvocationStaleness)
	t.RunnerHeartbeatTimeout = cfg.GetDuration("health.runnerHeartbeatTimeout", t.RunnerHeartbeatTimeout)
	t.MaxCoderDuration = cfg.GetDuration("health.maxCoderDuration", t.MaxCoderDuration)
	t.MaxReviewerDuration = cfg.GetDuration("health.maxReviewerDuration", t.MaxReviewerDuration)
	t.MaxRecoveryAttempts = cfg.GetInt("health.maxRecoveryAttempts")
	t.MaxIncidentsPerHour = cfg.GetInt("health.maxIncidentsPerHour")
	return t
}
