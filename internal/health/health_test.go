package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

type fixture struct {
	store   *sqlite.Store
	global  *sqlite.GlobalStore
	locks   *lock.Manager
	det     *Detector
	project string
}

func newFixture(t *testing.T, th Thresholds) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.Open(ctx, filepath.Join(dir, "project.db"), sqlite.OpenOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	global, err := sqlite.OpenGlobal(ctx, dir)
	if err != nil {
		t.Fatalf("open global: %v", err)
	}
	t.Cleanup(func() { global.Close() })

	f := &fixture{
		store:   store,
		global:  global,
		locks:   lock.NewManager(store),
		project: dir,
	}
	f.det = NewDetector(store, global, dir, th)
	f.det.alive = func(int) bool { return true }
	return f
}

func (f *fixture) addTask(t *testing.T, id string, status types.Status) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.CreateTask(ctx, &types.Task{ID: id, Title: id}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status != types.StatusPending {
		if _, err := f.store.TransitionTask(ctx, sqlite.Transition{
			TaskID: id, To: status, ActorType: types.ActorSystem,
		}); err != nil {
			t.Fatalf("transition %s: %v", id, err)
		}
	}
}

func (f *fixture) addRunner(t *testing.T, id string, pid int, taskID string, heartbeat time.Time) {
	t.Helper()
	if err := f.global.RegisterRunner(context.Background(), &types.Runner{
		ID: id, PID: pid, ProjectPath: f.project,
		CurrentTaskID: taskID, HeartbeatAt: heartbeat,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) startInvocation(t *testing.T, taskID string, role types.Role) int64 {
	t.Helper()
	id, err := f.store.StartInvocation(context.Background(), &types.Invocation{
		TaskID: taskID, Role: role, Provider: "claude", Model: "sonnet",
	})
	if err != nil {
		t.Fatalf("start invocation: %v", err)
	}
	return id
}

func oneFinding(t *testing.T, findings []Finding, mode types.FailureMode) Finding {
	t.Helper()
	var got []Finding
	for _, f := range findings {
		if f.Mode == mode {
			got = append(got, f)
		}
	}
	if len(got) != 1 {
		t.Fatalf("findings with mode %s = %d (%+v), want 1", mode, len(got), findings)
	}
	return got[0]
}

func TestDetect(t *testing.T) {
	ctx := context.Background()

	t.Run("dead runner", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.det.alive = func(int) bool { return false }
		f.addRunner(t, "r1", 12345, "", time.Now())

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		got := oneFinding(t, findings, types.FailureDeadRunner)
		if got.RunnerID != "r1" || got.RunnerPID != 12345 {
			t.Fatalf("finding = %+v", got)
		}
	})

	t.Run("zombie runner", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addRunner(t, "r1", 12345, "", time.Now().Add(-10*time.Minute))

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		oneFinding(t, findings, types.FailureZombieRunner)
	})

	t.Run("healthy runner yields nothing", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addRunner(t, "r1", os.Getpid(), "", time.Now())

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("findings = %+v, want none", findings)
		}
	})

	t.Run("hanging invocation under a live runner", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		base := time.Now()
		f.addTask(t, "t1", types.StatusInProgress)
		invID := f.startInvocation(t, "t1", types.RoleCoder)
		// Last activity 20 minutes before the detector's clock.
		if err := f.store.TouchInvocation(ctx, invID, base.Add(-20*time.Minute).UnixMilli()); err != nil {
			t.Fatalf("touch: %v", err)
		}
		f.addRunner(t, "r1", 12345, "t1", base)
		f.det.now = func() time.Time { return base }

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		got := oneFinding(t, findings, types.FailureHangingInvocation)
		if got.TaskID != "t1" || got.RunnerID != "r1" {
			t.Fatalf("finding = %+v", got)
		}
	})

	t.Run("fresh invocation under a live runner is fine", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		base := time.Now()
		f.addTask(t, "t1", types.StatusInProgress)
		invID := f.startInvocation(t, "t1", types.RoleCoder)
		if err := f.store.TouchInvocation(ctx, invID, base.UnixMilli()); err != nil {
			t.Fatalf("touch: %v", err)
		}
		f.addRunner(t, "r1", 12345, "t1", base)
		f.det.now = func() time.Time { return base }

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("findings = %+v, want none", findings)
		}
	})

	t.Run("orphaned task with no live runner", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		oneFinding(t, findings, types.FailureOrphanedTask)
	})

	t.Run("recent invocation start defers the orphan verdict", func(t *testing.T) {
		th := DefaultThresholds()
		th.OrphanedTaskTimeout = 10 * time.Minute
		th.InvocationStaleness = 15 * time.Minute
		f := newFixture(t, th)
		f.addTask(t, "t1", types.StatusInProgress)
		f.startInvocation(t, "t1", types.RoleCoder)
		f.det.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("findings = %+v, want none", findings)
		}
	})

	t.Run("write gap is reported, not acted on", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		oneFinding(t, findings, types.FailureDBInconsistency)
	})

	t.Run("review task without a runner is left alone", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusReview)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

		findings, err := f.det.Detect(ctx)
		if err != nil {
			t.Fatalf("detect: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("findings = %+v, want none", findings)
		}
	})
}

func newEngine(f *fixture) (*Engine, *[]int) {
	e := NewEngine(f.det, f.locks)
	var killed []int
	e.kill = func(pid int, _ time.Duration) bool {
		killed = append(killed, pid)
		return true
	}
	return e, &killed
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("dead runner is cleared and its task retried", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.det.alive = func(int) bool { return false }
		f.addTask(t, "t1", types.StatusInProgress)
		f.addRunner(t, "r1", 12345, "t1", time.Now())
		if _, err := f.locks.AcquireTask(ctx, "t1", "r1", time.Hour); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		e, killed := newEngine(f)

		report, err := e.Run(ctx, false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(report.Actions) != 1 || report.Actions[0].Resolution != types.ResolutionKilled {
			t.Fatalf("actions = %+v", report.Actions)
		}
		if len(*killed) != 0 {
			t.Fatalf("killed = %v, dead process should not be signalled", *killed)
		}
		task, err := f.store.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != types.StatusPending || task.FailureCount != 1 {
			t.Fatalf("task = status %s failures %d", task.Status, task.FailureCount)
		}
		if l, _ := f.locks.GetTaskLock(ctx, "t1"); l != nil {
			t.Fatal("lease survived recovery")
		}
		if r, _ := f.global.GetRunner(ctx, "r1"); r != nil {
			t.Fatal("runner row survived recovery")
		}
		n, err := f.store.CountIncidentsSince(ctx, time.Now().Add(-time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("incidents = %d, %v", n, err)
		}
	})

	t.Run("zombie runner is killed first", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addRunner(t, "r1", 4242, "", time.Now().Add(-10*time.Minute))
		e, killed := newEngine(f)

		if _, err := e.Run(ctx, false); err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(*killed) != 1 || (*killed)[0] != 4242 {
			t.Fatalf("killed = %v, want [4242]", *killed)
		}
	})

	t.Run("orphaned task returns to pending", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
		e, _ := newEngine(f)

		report, err := e.Run(ctx, false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(report.Actions) != 1 || report.Actions[0].NewStatus != types.StatusPending {
			t.Fatalf("actions = %+v", report.Actions)
		}
	})

	t.Run("exhausted recovery attempts park the task as skipped", func(t *testing.T) {
		th := DefaultThresholds()
		th.MaxRecoveryAttempts = 1
		f := newFixture(t, th)
		f.addTask(t, "t1", types.StatusInProgress)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
		e, _ := newEngine(f)

		report, err := e.Run(ctx, false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if len(report.Actions) != 1 || report.Actions[0].Resolution != types.ResolutionSkipped {
			t.Fatalf("actions = %+v", report.Actions)
		}
		task, _ := f.store.GetTask(ctx, "t1")
		if task.Status != types.StatusSkipped {
			t.Fatalf("task status = %s, want skipped", task.Status)
		}
	})

	t.Run("dry run repairs nothing", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
		e, _ := newEngine(f)

		report, err := e.Run(ctx, true)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !report.DryRun || len(report.Findings) != 1 || len(report.Actions) != 0 {
			t.Fatalf("report = %+v", report)
		}
		task, _ := f.store.GetTask(ctx, "t1")
		if task.Status != types.StatusInProgress {
			t.Fatalf("dry run changed task status to %s", task.Status)
		}
	})

	t.Run("incident cap withholds actions", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		for i := 0; i < DefaultThresholds().MaxIncidentsPerHour; i++ {
			if err := f.store.RecordIncident(ctx, &types.Incident{
				Mode: types.FailureOrphanedTask, DetectedAt: time.Now(),
			}); err != nil {
				t.Fatalf("record incident: %v", err)
			}
		}
		f.addTask(t, "t1", types.StatusInProgress)
		f.det.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
		e, _ := newEngine(f)

		report, err := e.Run(ctx, false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !report.RateLimited || len(report.Actions) != 0 {
			t.Fatalf("report = %+v, want rate limited with no actions", report)
		}
	})

	t.Run("second pass finds nothing to do", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.det.alive = func(int) bool { return false }
		f.addRunner(t, "r1", 12345, "", time.Now())
		e, _ := newEngine(f)

		if _, err := e.Run(ctx, false); err != nil {
			t.Fatalf("first run: %v", err)
		}
		report, err := e.Run(ctx, false)
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if len(report.Findings) != 0 || len(report.Actions) != 0 {
			t.Fatalf("second pass report = %+v, want empty", report)
		}
	})
}

func TestSanitizer(t *testing.T) {
	ctx := context.Background()

	newSanitizer := func(f *fixture, logDir string) *Sanitizer {
		return NewSanitizer(f.store, f.locks, logDir, 5*time.Minute, 30*time.Minute)
	}

	t.Run("interval gate persists across passes", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		s := newSanitizer(f, "")

		first, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
		if first.Skipped {
			t.Fatal("first pass should run")
		}
		second, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
		if !second.Skipped {
			t.Fatal("second pass within the interval should skip")
		}
	})

	t.Run("runaway coder invocation closes as timeout", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)
		invID := f.startInvocation(t, "t1", types.RoleCoder)

		s := newSanitizer(f, "")
		s.now = func() time.Time { return time.Now().Add(time.Hour) }

		report, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if report.ClosedInvocations != 1 {
			t.Fatalf("report = %+v, want 1 closed", report)
		}
		inv, err := f.store.LatestInvocation(ctx, "t1")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if inv.ID != invID || inv.Status != types.InvocationTimeout {
			t.Fatalf("invocation = %+v", inv)
		}
	})

	t.Run("live claim protects a long invocation", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusInProgress)
		f.startInvocation(t, "t1", types.RoleCoder)
		if _, err := f.locks.AcquireTask(ctx, "t1", "r1", 3*time.Hour); err != nil {
			t.Fatalf("acquire: %v", err)
		}

		s := newSanitizer(f, "")
		s.now = func() time.Time { return time.Now().Add(time.Hour) }

		report, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if report.ClosedInvocations != 0 {
			t.Fatalf("report = %+v, claimed invocation was closed", report)
		}
	})

	t.Run("reviewer verdict is salvaged from the log", func(t *testing.T) {
		for _, tc := range []struct {
			name       string
			verdict    string
			wantStatus types.Status
		}{
			{"approve completes the task", "DECISION: APPROVE", types.StatusCompleted},
			{"reject sends it back", "DECISION: REJECT", types.StatusInProgress},
		} {
			t.Run(tc.name, func(t *testing.T) {
				f := newFixture(t, DefaultThresholds())
				logDir := t.TempDir()
				f.addTask(t, "t1", types.StatusReview)
				invID := f.startInvocation(t, "t1", types.RoleReviewer)
				logPath := invoke.InvocationLogPath(logDir, invID)
				if err := os.WriteFile(logPath, []byte("review notes\n"+tc.verdict+"\n"), 0640); err != nil {
					t.Fatalf("write log: %v", err)
				}

				s := newSanitizer(f, logDir)
				s.now = func() time.Time { return time.Now().Add(time.Hour) }

				report, err := s.Run(ctx)
				if err != nil {
					t.Fatalf("run: %v", err)
				}
				if report.Approved+report.Rejected != 1 {
					t.Fatalf("report = %+v", report)
				}
				task, _ := f.store.GetTask(ctx, "t1")
				if task.Status != tc.wantStatus {
					t.Fatalf("task status = %s, want %s", task.Status, tc.wantStatus)
				}
				if tc.wantStatus == types.StatusInProgress && task.RejectionCount != 1 {
					t.Fatalf("rejection count = %d, want 1", task.RejectionCount)
				}
				inv, _ := f.store.LatestInvocation(ctx, "t1")
				if inv.Status != types.InvocationCompleted {
					t.Fatalf("invocation status = %s, want completed", inv.Status)
				}
			})
		}
	})

	t.Run("expired leases are swept", func(t *testing.T) {
		f := newFixture(t, DefaultThresholds())
		f.addTask(t, "t1", types.StatusPending)
		if _, err := f.locks.AcquireTask(ctx, "t1", "r1", time.Minute); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		past := sqlite.FormatTime(time.Now().Add(-time.Minute))
		if _, err := f.store.DB().Exec(
			`UPDATE task_locks SET expires_at = ? WHERE task_id = 't1'`, past); err != nil {
			t.Fatalf("backdate lease: %v", err)
		}

		s := newSanitizer(f, "")
		report, err := s.Run(ctx)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if report.ExpiredLeases != 1 {
			t.Fatalf("report = %+v, want 1 swept lease", report)
		}
	})
}
