package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/quiethour/quill/internal/llm"
)

const extractSystemPrompt = `You extract durable facts about the user from a conversation exchange: stable preferences, people, dates, ongoing projects. Ignore transient requests and small talk. Respond with a JSON array of strings, one fact per entry. Respond with [] when nothing is worth remembering.`

// postTurn runs the fire-and-forget side effects of a finished turn: memory
// extraction and proactive follow-up planning. Errors are logged and
// swallowed; nothing here may change the turn's result.
func (r *Runner) postTurn(req Request, finalText string, memoryToolUsed bool) {
	if req.UserID == "" {
		return
	}

	if !memoryToolUsed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			r.extractMemories(ctx, req.UserID, req.UserMessage, finalText)
		}()
	}

	if r.opts.ProactiveEnabled && r.proactive != nil && req.Channel != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.proactive.ScheduleProactive(ctx, req.UserID, req.Channel); err != nil {
				r.logger.Warn("proactive scheduling failed", "user_id", req.UserID, "error", err)
			}
		}()
	}
}

// extractMemories asks the model for mentionable facts in the exchange and
// stores each one. Skipped entirely when the turn already stored a memory
// explicitly, to avoid duplicates.
func (r *Runner) extractMemories(ctx context.Context, userID, userMessage, reply string) {
	exchange := "User: " + userMessage + "\nAssistant: " + reply
	completion, err := r.provider.SendMessage(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: exchange},
	}, nil, extractSystemPrompt)
	if err != nil {
		r.logger.Warn("memory extraction call failed", "user_id", userID, "error", err)
		return
	}

	text := strings.TrimSpace(completion.Message.Content)
	// Models sometimes wrap JSON in a code fence.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var facts []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &facts); err != nil {
		r.logger.Warn("memory extraction returned unparseable output", "user_id", userID, "error", err)
		return
	}
	for _, fact := range facts {
		if strings.TrimSpace(fact) == "" {
			continue
		}
		if _, err := r.store.StoreMemory(ctx, userID, fact, "extracted"); err != nil {
			r.logger.Warn("storing extracted memory failed", "user_id", userID, "error", err)
		}
	}
	if len(facts) > 0 {
		r.logger.Debug("extracted memories", "user_id", userID, "count", len(facts))
	}
}
