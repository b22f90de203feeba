package runner

import (
	"context"
	"regexp"
	"strings"

	"github.com/steroids-dev/steroids/internal/invoke"
	"github.com/steroids-dev/steroids/internal/types"
)

// rejectionInterventionAt is the rejection count that triggers the
// coordinator before the next coder run.
const rejectionInterventionAt = 3

// guidanceWordCap bounds coordinator guidance attached to later prompts.
const guidanceWordCap = 500

var (
	coordDecisionRe = regexp.MustCompile(`(?mi)^\s*DECISION:\s*(guide_coder|override_reviewer|narrow_scope)\b`)
	coordGuidanceRe = regexp.MustCompile(`(?ms)^\s*GUIDANCE:\s*(.+)\z`)
)

// consultCoordinator runs the orchestrator-configured provider over the
// task's rejection history. Failures are swallowed: the loop proceeds
// without guidance rather than stalling on a broken coordinator.
func (r *Runner) consultCoordinator(ctx context.Context, task *types.Task) *Guidance {
	slot := r.roleSlot(types.RoleOrchestrator)
	if !slot.provider.IsAvailable() {
		r.logger.Printf("coordinator skipped for %s: provider %s not on PATH", task.ID, slot.provider.Name())
		return nil
	}

	history, err := r.store.AuditTrail(ctx, task.ID)
	if err != nil {
		r.logger.Printf("coordinator skipped for %s: %v", task.ID, err)
		return nil
	}
	lastReview := ""
	if inv, err := r.store.LatestInvocation(ctx, task.ID); err == nil && inv != nil && inv.Role == types.RoleReviewer {
		lastReview = inv.Response
	}

	out, err := r.sup.Run(ctx, invoke.Options{
		TaskID:          task.ID,
		Role:            types.RoleOrchestrator,
		Provider:        slot.provider,
		Model:           slot.model,
		Prompt:          coordinatorPrompt(task, history, lastReview),
		Dir:             r.projectPath,
		ActivityTimeout: hangTimeout(r.cfg),
		ShellTemplate:   slot.template,
		LogDir:          r.invocationLogDir(),
	})
	if err != nil || !out.Success {
		r.logger.Printf("coordinator failed for %s, proceeding without guidance", task.ID)
		return nil
	}
	return parseGuidance(out.Stdout)
}

// parseGuidance extracts the structured coordinator response, nil when the
// decision token is missing.
func parseGuidance(output string) *Guidance {
	m := coordDecisionRe.FindStringSubmatch(output)
	if m == nil {
		return nil
	}
	g := &Guidance{Decision: strings.ToLower(m[1])}
	if gm := coordGuidanceRe.FindStringSubmatch(output); gm != nil {
		g.Text = truncateWords(gm[1], guidanceWordCap)
	}
	return g
}
