package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// buildSystemPrompt assembles persona, remembered facts, and the progressive
// skill catalog. Inactive skills appear only as one-line summaries; their
// full tool schemas join the tool set after activation.
func (r *Runner) buildSystemPrompt(ctx context.Context, req Request, truncated bool) string {
	var b strings.Builder
	b.WriteString(r.opts.Persona())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().Format(time.RFC1123))

	if req.UserID != "" {
		memories, err := r.store.RetrieveMemories(ctx, req.UserID, req.UserMessage, 8)
		if err != nil {
			r.logger.Warn("memory retrieval failed", "error", err)
		} else if len(memories) > 0 {
			b.WriteString("\nWhat you remember about this user:\n")
			for _, m := range memories {
				fmt.Fprintf(&b, "- %s\n", m.Content)
			}
		}
	}

	if summaries := r.registry.InactiveSummaries(); len(summaries) > 0 {
		b.WriteString("\nInactive skills (call activate_skill to use their tools):\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if truncated {
		b.WriteString("\nNote: earlier parts of this conversation were trimmed for length; ask the user if older context matters.\n")
	}
	return b.String()
}
