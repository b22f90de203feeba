package runner

import (
	"fmt"
	"strings"

	"github.com/steroids-dev/steroids/internal/types"
)

// Guidance is the coordinator's steer for a task stuck in a rejection loop.
type Guidance struct {
	Decision string // guide_coder, override_reviewer, narrow_scope
	Text     string
}

// coderPrompt builds the implementation prompt. Batch tasks beyond the first
// are appended so one invocation can cover them all.
func coderPrompt(task *types.Task, batch []*types.Task, guidance *Guidance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the coder. Implement the following task in this repository.\n\n")
	writeTask(&b, task)
	for i, extra := range batch {
		fmt.Fprintf(&b, "\nAdditional task %d from the same section:\n", i+1)
		writeTask(&b, extra)
	}
	if task.RejectionCount > 0 {
		fmt.Fprintf(&b, "\nThis task has been rejected %d time(s) by review. Address the reviewer's concerns.\n", task.RejectionCount)
	}
	writeGuidance(&b, guidance)
	b.WriteString("\nCommit your work when done. Do not modify unrelated files.\n")
	return b.String()
}

// reviewerPrompt builds the review prompt, including the decision contract.
func reviewerPrompt(task *types.Task, coderResponse string, guidance *Guidance) string {
	var b strings.Builder
	b.WriteString("You are the reviewer. Evaluate the implementation of this task.\n\n")
	writeTask(&b, task)
	if coderResponse != "" {
		b.WriteString("\nCoder's report:\n")
		b.WriteString(truncateWords(coderResponse, 2000))
		b.WriteString("\n")
	}
	writeGuidance(&b, guidance)
	b.WriteString("\nInspect the working tree and judge whether the task is done correctly.\n")
	b.WriteString("End your response with exactly one line:\n")
	b.WriteString("DECISION: APPROVE\nor\nDECISION: REJECT\n")
	b.WriteString("On reject, explain what must change.\n")
	return b.String()
}

// coordinatorPrompt asks the orchestrator model to break a rejection loop.
func coordinatorPrompt(task *types.Task, history []*types.AuditEntry, lastReview string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the coordinator. Task %q has been rejected %d times and the coder/reviewer pair is looping.\n\n",
		task.Title, task.RejectionCount)
	writeTask(&b, task)
	b.WriteString("\nTransition history:\n")
	for _, e := range history {
		fmt.Fprintf(&b, "- %s -> %s by %s", e.FromStatus, e.ToStatus, e.ActorType)
		if e.Notes != "" {
			fmt.Fprintf(&b, ": %s", truncateWords(e.Notes, 60))
		}
		b.WriteString("\n")
	}
	if lastReview != "" {
		b.WriteString("\nMost recent review:\n")
		b.WriteString(truncateWords(lastReview, 1000))
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with exactly:\n")
	b.WriteString("DECISION: <guide_coder|override_reviewer|narrow_scope>\n")
	b.WriteString("GUIDANCE: <at most 500 words of concrete direction>\n")
	return b.String()
}

func writeTask(b *strings.Builder, task *types.Task) {
	fmt.Fprintf(b, "Task id: %s\nTitle: %s\n", task.ID, task.Title)
	if task.SourceFile != "" {
		fmt.Fprintf(b, "Defined in: %s", task.SourceFile)
		if task.FileLine > 0 {
			fmt.Fprintf(b, ":%d", task.FileLine)
		}
		b.WriteString("\n")
	}
}

func writeGuidance(b *strings.Builder, g *Guidance) {
	if g == nil || g.Text == "" {
		return
	}
	fmt.Fprintf(b, "\nCoordinator guidance (%s):\n%s\n", g.Decision, g.Text)
}

// truncateWords caps text at n words, keeping prompts bounded.
func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:n], " ") + " ..."
}
