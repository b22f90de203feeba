package invoke

import (
	"time"

	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long a polite terminate gets before escalation.
const DefaultKillGrace = 5 * time.Second

// ProcessAlive reports whether pid exists. Signal 0 probes without delivery;
// EPERM still means the process is there.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// KillProcess terminates pid politely, escalating to SIGKILL after grace.
// It returns true when the process is gone by the time it gives up waiting.
// A negative pid targets the whole process group.
func KillProcess(pid int, grace time.Duration) bool {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	probe := pid
	if probe < 0 {
		probe = -probe
	}
	if !ProcessAlive(probe) {
		return true
	}

	_ = unix.Kill(pid, unix.SIGTERM)
	if waitGone(probe, grace) {
		return true
	}
	_ = unix.Kill(pid, unix.SIGKILL)
	return waitGone(probe, grace)
}

func waitGone(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !ProcessAlive(pid)
}
