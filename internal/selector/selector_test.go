package selector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steroids-dev/steroids/internal/lock"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

type testEnv struct {
	store *sqlite.Store
	locks *lock.Manager
	sel   *Selector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.OpenOptions{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	locks := lock.NewManager(store)
	return &testEnv{store: store, locks: locks, sel: New(store, locks)}
}

func (e *testEnv) addTask(t *testing.T, id, section string, status types.Status) {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{ID: id, Title: id, SectionID: section, Status: types.StatusPending}
	if err := e.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status != types.StatusPending {
		if _, err := e.store.TransitionTask(ctx, sqlite.Transition{
			TaskID: id, To: status, ActorType: types.ActorSystem,
		}); err != nil {
			t.Fatalf("transition %s: %v", id, err)
		}
	}
	// Spread created_at so ordering is deterministic.
	time.Sleep(2 * time.Millisecond)
}

func (e *testEnv) addSection(t *testing.T, id string, position int) {
	t.Helper()
	if err := e.store.CreateSection(context.Background(), &types.Section{ID: id, Name: id, Position: position}); err != nil {
		t.Fatalf("create section %s: %v", id, err)
	}
}

// holdByOther plants an unexpired lease owned by another runner.
func (e *testEnv) holdByOther(t *testing.T, taskID string) {
	t.Helper()
	if _, err := e.locks.AcquireTask(context.Background(), taskID, "other-runner", time.Hour); err != nil {
		t.Fatalf("hold %s: %v", taskID, err)
	}
}

// expireLease rewrites a lease's expiry into the past, simulating an
// abandoned hold.
func (e *testEnv) expireLease(t *testing.T, taskID string) {
	t.Helper()
	past := sqlite.FormatTime(time.Now().Add(-time.Minute))
	if _, err := e.store.DB().Exec(
		`UPDATE task_locks SET expires_at = ? WHERE task_id = ?`, past, taskID); err != nil {
		t.Fatalf("expire %s: %v", taskID, err)
	}
}

func TestNextPriorityTiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	opts := Options{RunnerID: "r1", LeaseTimeout: time.Hour}

	env.addTask(t, "new", "", types.StatusPending)
	env.addTask(t, "started", "", types.StatusInProgress)
	env.addTask(t, "reviewing", "", types.StatusReview)

	sel, err := env.sel.Next(ctx, opts)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel.Task.ID != "reviewing" || sel.Action != ActionReview {
		t.Fatalf("first pick = %s/%s, want reviewing/review", sel.Task.ID, sel.Action)
	}
	if _, err := env.store.TransitionTask(ctx, sqlite.Transition{
		TaskID: "reviewing", To: types.StatusCompleted, ActorType: types.ActorSystem,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.locks.ReleaseTask(ctx, "reviewing", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	sel, err = env.sel.Next(ctx, opts)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel.Task.ID != "started" || sel.Action != ActionResume {
		t.Fatalf("second pick = %s/%s, want started/resume", sel.Task.ID, sel.Action)
	}
	if _, err := env.store.TransitionTask(ctx, sqlite.Transition{
		TaskID: "started", To: types.StatusCompleted, ActorType: types.ActorSystem,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.locks.ReleaseTask(ctx, "started", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	sel, err = env.sel.Next(ctx, opts)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel.Task.ID != "new" || sel.Action != ActionStart {
		t.Fatalf("third pick = %s/%s, want new/start", sel.Task.ID, sel.Action)
	}
}

func TestNextSkipsTasksHeldByOthers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addTask(t, "held", "", types.StatusReview)
	env.addTask(t, "free", "", types.StatusPending)
	env.holdByOther(t, "held")

	sel, err := env.sel.Next(ctx, Options{RunnerID: "r1", LeaseTimeout: time.Hour})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel == nil || sel.Task.ID != "free" {
		t.Fatalf("pick = %+v, want free", sel)
	}
}

func TestNextResumesExpiredHold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addTask(t, "abandoned", "", types.StatusInProgress)
	env.holdByOther(t, "abandoned")
	env.expireLease(t, "abandoned")

	sel, err := env.sel.Next(ctx, Options{RunnerID: "r1", LeaseTimeout: time.Hour})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel == nil || sel.Task.ID != "abandoned" || sel.Action != ActionResume {
		t.Fatalf("pick = %+v, want abandoned/resume", sel)
	}
	if sel.Reason != types.AcquireClaimExpired {
		t.Fatalf("reason = %s, want claimed_expired", sel.Reason)
	}
}

func TestNextHonorsScopeOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addSection(t, "s1", 1)
	env.addSection(t, "s2", 2)
	env.addTask(t, "in-s1", "s1", types.StatusPending)
	env.addTask(t, "in-s2", "s2", types.StatusPending)

	t.Run("scope order beats position", func(t *testing.T) {
		sel, err := env.sel.Next(ctx, Options{
			RunnerID: "r1", LeaseTimeout: time.Hour, Sections: []string{"s2", "s1"},
		})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if sel.Task.ID != "in-s2" {
			t.Fatalf("pick = %s, want in-s2", sel.Task.ID)
		}
		if err := env.locks.ReleaseTask(ctx, "in-s2", "r1"); err != nil {
			t.Fatalf("release: %v", err)
		}
	})

	t.Run("scope excludes other sections", func(t *testing.T) {
		env.addTask(t, "unscoped", "", types.StatusPending)
		sel, err := env.sel.Next(ctx, Options{
			RunnerID: "r1", LeaseTimeout: time.Hour, Sections: []string{"s1"},
		})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if sel.Task.ID != "in-s1" {
			t.Fatalf("pick = %s, want in-s1", sel.Task.ID)
		}
	})
}

func TestBatchMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addSection(t, "s1", 1)
	env.addTask(t, "b1", "s1", types.StatusPending)
	env.addTask(t, "b2", "s1", types.StatusPending)
	env.addTask(t, "b3", "s1", types.StatusPending)
	env.addTask(t, "b4", "s1", types.StatusPending)

	sel, err := env.sel.Next(ctx, Options{
		RunnerID: "r1", LeaseTimeout: time.Hour, BatchMode: true, MaxBatchSize: 3,
	})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel.Task.ID != "b1" || len(sel.Batch) != 2 {
		t.Fatalf("batch = %s + %d extras, want b1 + 2", sel.Task.ID, len(sel.Batch))
	}
	for _, task := range append([]*types.Task{sel.Task}, sel.Batch...) {
		l, err := env.locks.GetTaskLock(ctx, task.ID)
		if err != nil {
			t.Fatalf("get lock: %v", err)
		}
		if l == nil || l.RunnerID != "r1" {
			t.Fatalf("batch member %s not leased by r1", task.ID)
		}
	}
	if l, _ := env.locks.GetTaskLock(ctx, "b4"); l != nil {
		t.Fatal("task beyond the batch cap was leased")
	}
}

func TestNextReturnsNilWhenEverythingHeld(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addTask(t, "only", "", types.StatusPending)
	env.holdByOther(t, "only")

	sel, err := env.sel.Next(ctx, Options{RunnerID: "r1", LeaseTimeout: time.Hour})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sel != nil {
		t.Fatalf("pick = %+v, want nil", sel)
	}
}

func TestWait(t *testing.T) {
	t.Run("returns nil when all work is done", func(t *testing.T) {
		env := newTestEnv(t)
		env.addTask(t, "done", "", types.StatusCompleted)
		sel, err := env.sel.Wait(context.Background(), Options{RunnerID: "r1", LeaseTimeout: time.Hour},
			10*time.Millisecond, time.Second)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if sel != nil {
			t.Fatalf("selection = %+v, want nil", sel)
		}
	})

	t.Run("cancellation ends the wait", func(t *testing.T) {
		env := newTestEnv(t)
		env.addTask(t, "held", "", types.StatusPending)
		env.holdByOther(t, "held")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		_, err := env.sel.Wait(ctx, Options{RunnerID: "r1", LeaseTimeout: time.Hour},
			10*time.Millisecond, time.Minute)
		if !errors.Is(err, types.ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	})

	t.Run("picks up a released hold", func(t *testing.T) {
		env := newTestEnv(t)
		env.addTask(t, "waiting", "", types.StatusPending)
		env.holdByOther(t, "waiting")

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = env.locks.ReleaseTask(context.Background(), "waiting", "other-runner")
		}()
		sel, err := env.sel.Wait(context.Background(), Options{RunnerID: "r1", LeaseTimeout: time.Hour},
			10*time.Millisecond, 5*time.Second)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if sel == nil || sel.Task.ID != "waiting" {
			t.Fatalf("selection = %+v, want waiting", sel)
		}
	})
}
