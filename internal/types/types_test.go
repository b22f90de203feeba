package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInProgress, StatusReview,
		StatusCompleted, StatusDisputed, StatusFailed, StatusSkipped} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("done").Valid() {
		t.Error("unknown status accepted")
	}

	terminal := map[Status]bool{
		StatusCompleted: true, StatusFailed: true, StatusSkipped: true,
		StatusPending: false, StatusInProgress: false, StatusReview: false, StatusDisputed: false,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrLockNotFound, ExitLockNotFound},
		{ErrNotLockOwner, ExitPermissionDenied},
		{ErrTaskLocked, ExitTaskLocked},
		{errors.New("anything else"), ExitGeneral},
		{fmt.Errorf("release failed: %w", ErrLockNotFound), ExitLockNotFound},
		{&LockedError{ID: "t1", Holder: "r2"}, ExitTaskLocked},
	}
	for _, tc := range cases {
		if got := ExitCodeFor(tc.err); got != tc.want {
			t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestLockedError(t *testing.T) {
	err := &LockedError{ID: "t1", Holder: "r2", ExpiresAt: time.Now().Add(time.Hour)}
	if !errors.Is(err, ErrTaskLocked) {
		t.Fatal("LockedError should unwrap to ErrTaskLocked")
	}
	msg := err.Error()
	if !strings.Contains(msg, "t1") || !strings.Contains(msg, "r2") {
		t.Fatalf("message = %q", msg)
	}
}

func TestTaskLockExpired(t *testing.T) {
	now := time.Now()
	l := TaskLock{ExpiresAt: now}
	if l.Expired(now.Add(-time.Second)) {
		t.Error("lease expired before its expiry instant")
	}
	// Exactly at the instant the lease still counts as held here; claiming at
	// the boundary is the lock manager's business.
	if l.Expired(now) {
		t.Error("Expired is strict; the boundary instant is not past expiry")
	}
	if !l.Expired(now.Add(time.Second)) {
		t.Error("lease should be expired after its expiry instant")
	}
}
