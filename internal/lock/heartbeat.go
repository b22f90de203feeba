package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how often a held lease is heartbeated.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat runs a background loop stamping heartbeat_at on a held task
// lease for the lifetime of the hold. Stop is idempotent and waits for the
// loop to exit, so shutdown is deterministic. Heartbeats mark liveness only;
// expires_at is never advanced here.
type Heartbeat struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartHeartbeat begins heartbeating taskID for runnerID every interval.
// onError is called with each failed heartbeat (nil to ignore); a heartbeat
// against a lease that disappeared reports ErrLockNotFound and the loop
// keeps running, since the lease may be re-acquired.
func (m *Manager) StartHeartbeat(ctx context.Context, taskID, runnerID string, interval time.Duration, onError func(error)) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.HeartbeatTask(ctx, taskID, runnerID); err != nil && onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return h
}

// Stop cancels the loop and waits for it to finish.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
	})
}
