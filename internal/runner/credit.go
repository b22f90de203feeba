package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/hooks"
	"github.com/steroids-dev/steroids/internal/types"
)

// creditPollInterval is how often the pause loop re-reads config.
const creditPollInterval = 30 * time.Second

// creditPause parks the runner after a credit_exhaustion classification. It
// returns resumed=true once the operator has pointed the role at a different
// provider or model, and resumed=false when the runner should shut down.
// In once mode it fails immediately instead of pausing.
func (r *Runner) creditPause(ctx context.Context, role types.Role) (bool, error) {
	slot := r.roleSlot(role)
	if r.Once {
		return false, fmt.Errorf("%s/%s out of credits: %w", slot.provider.Name(), slot.model, types.ErrCreditExhausted)
	}

	details := fmt.Sprintf("%s/%s/%s", slot.provider.Name(), slot.model, role)
	cutoff := time.Now().Add(-time.Hour)
	incident, err := r.store.OpenIncident(ctx, types.FailureCreditExhaustion, details, cutoff)
	if err != nil {
		return false, err
	}
	if incident == nil {
		incident = &types.Incident{
			RunnerID: r.ID,
			Mode:     types.FailureCreditExhaustion,
			Details:  details,
		}
		if err := r.store.RecordIncident(ctx, incident); err != nil {
			return false, err
		}
		r.hooks.Fire(hooks.EventCreditExhausted, map[string]any{
			"provider": slot.provider.Name(),
			"model":    slot.model,
			"role":     string(role),
		})
	}
	r.logger.Printf("credit exhausted for %s, pausing until config changes", details)

	origProvider, origModel := slot.provider.Name(), slot.model
	for {
		if r.shouldStop() || ctx.Err() != nil {
			_ = r.store.ResolveIncident(context.Background(), incident.ID, types.ResolutionStopped)
			return false, nil
		}
		if err := r.global.HeartbeatRunner(ctx, r.ID); err != nil {
			r.logger.Printf("heartbeat during credit pause failed: %v", err)
		}
		if err := r.cfg.Reload(); err != nil {
			r.logger.Printf("config reload during credit pause failed: %v", err)
		}
		fresh := r.roleSlot(role)
		if fresh.provider.Name() != origProvider || fresh.model != origModel {
			if err := r.store.ResolveIncident(ctx, incident.ID, types.ResolutionConfigChanged); err != nil {
				return false, err
			}
			r.hooks.Fire(hooks.EventCreditResolved, map[string]any{
				"provider": fresh.provider.Name(),
				"model":    fresh.model,
				"role":     string(role),
			})
			r.logger.Printf("credit pause over: %s now uses %s/%s", role, fresh.provider.Name(), fresh.model)
			return true, nil
		}

		// The watcher wakes the loop early on a config write; the ticker is
		// the fallback when filesystem events are unavailable.
		select {
		case <-time.After(creditPollInterval):
		case <-r.configChanged():
		case <-ctx.Done():
		}
	}
}

func (r *Runner) configChanged() <-chan struct{} {
	if r.watcher == nil {
		return nil // nil channel blocks forever; ticker still fires
	}
	return r.watcher.Changed()
}
