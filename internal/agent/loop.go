// Package agent implements the iterative LLM/tool loop that turns one
// inbound user message into a final answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiethour/quill/internal/guard"
	"github.com/quiethour/quill/internal/llm"
	"github.com/quiethour/quill/internal/skills"
	"github.com/quiethour/quill/internal/store"
	"github.com/quiethour/quill/internal/telemetry"
	"github.com/quiethour/quill/internal/tools"
)

// Request is one agent job: an inbound message plus execution flags.
type Request struct {
	UserMessage       string `json:"user_message"`
	UserID            string `json:"user_id,omitempty"`
	Channel           string `json:"channel,omitempty"`
	Priority          int    `json:"priority"`
	SkipSecurity      bool   `json:"skip_security,omitempty"`
	DisableTaskTools  bool   `json:"disable_task_tools,omitempty"`
	ActivateAllSkills bool   `json:"activate_all_skills,omitempty"`
}

// Result is the final outcome of one agent turn.
type Result struct {
	Text    string        `json:"text"`
	History []llm.Message `json:"-"`
	Files   []string      `json:"files"`
}

// ProactivePlanner schedules unprompted follow-ups. Implemented by the
// scheduler; the loop only decides whether to ask for one.
type ProactivePlanner interface {
	ScheduleProactive(ctx context.Context, userID, channel string) error
}

// Options holds loop policy. Zero values take documented defaults.
type Options struct {
	MaxIterations    int // default 50
	MaxContinuations int // default 3
	BreakerThreshold int // consecutive all-error tool batches before a hint; default 3
	MaxInputChars    int // default 20000
	HistoryLimit     int // default 40

	Persona          func() string
	ProactiveEnabled bool
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 50
	}
	if o.MaxContinuations <= 0 {
		o.MaxContinuations = 3
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 3
	}
	if o.MaxInputChars <= 0 {
		o.MaxInputChars = 20000
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 40
	}
	if o.Persona == nil {
		o.Persona = func() string { return "You are a helpful personal assistant." }
	}
	return o
}

const (
	inputTooLongMessage  = "Your message is too long for me to process. Please shorten it and try again."
	inputBlockedMessage  = "I can't process that message."
	outputBlockedMessage = "I generated a response but withheld it after a safety check."
	cancelledMessage     = "Request cancelled."
	incompleteMessage    = "I couldn't complete this request within my working limits. Please try rephrasing or splitting it up."
	apologyMessage       = "Something went wrong on my side while working on this. Please try again."
	continueInstruction  = "Your previous response was cut off. Continue exactly where you left off without repeating anything."
	breakerHint          = "Multiple consecutive tool calls have failed. Stop retrying the same approach: either answer with what you already have or tell the user what is blocking you."
	cancellationNotice   = "The user cancelled this request before it finished."
)

// Runner executes agent turns. One Runner is shared by all agent-queue
// workers; all per-turn state lives on the stack.
type Runner struct {
	provider   llm.Provider
	store      *store.Store
	guard      *guard.Guard
	router     *tools.Router
	dispatcher *tools.Dispatcher
	registry   *skills.Registry
	proactive  ProactivePlanner
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	opts       Options
}

func NewRunner(
	provider llm.Provider,
	st *store.Store,
	g *guard.Guard,
	router *tools.Router,
	dispatcher *tools.Dispatcher,
	registry *skills.Registry,
	proactive ProactivePlanner,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
	opts Options,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		provider:   provider,
		store:      st,
		guard:      g,
		router:     router,
		dispatcher: dispatcher,
		registry:   registry,
		proactive:  proactive,
		logger:     logger,
		metrics:    metrics,
		opts:       opts.withDefaults(),
	}
}

// Run executes one agent turn. Progress, when non-nil, receives intermediate
// assistant narration. Tool and guard failures never surface as errors; only
// LLM transport failures do, with an apology already persisted.
func (r *Runner) Run(ctx context.Context, req Request, progress func(string)) (Result, error) {
	start := time.Now()
	logger := r.logger.With("user_id", req.UserID, "channel", req.Channel)
	if r.metrics != nil {
		r.metrics.ActiveTurns.Add(ctx, 1)
		defer r.metrics.ActiveTurns.Add(ctx, -1)
		defer func() {
			r.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	if len([]rune(req.UserMessage)) > r.opts.MaxInputChars {
		return Result{Text: inputTooLongMessage}, nil
	}

	stored, truncated, err := r.store.History(ctx, req.UserID, r.opts.HistoryLimit)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	history := make([]llm.Message, 0, len(stored)+8)
	for _, m := range stored {
		history = append(history, m.AsLLM())
	}

	if !req.SkipSecurity && r.guard != nil {
		if verdict := r.guard.CheckInput(ctx, req.UserMessage); verdict.Blocked {
			logger.Warn("input blocked by guard", "reason", verdict.Reason)
			return Result{Text: inputBlockedMessage}, nil
		}
	}

	if req.ActivateAllSkills {
		r.registry.ActivateAll()
	}

	correlationID := uuid.NewString()
	userMsg := llm.Message{Role: llm.RoleUser, Content: req.UserMessage}
	history = append(history, userMsg)
	if err := r.store.AppendMessage(ctx, req.UserID, userMsg); err != nil {
		return Result{}, fmt.Errorf("persist user message: %w", err)
	}

	system := r.buildSystemPrompt(ctx, req, truncated)
	toolSet := r.toolSet(req)

	var (
		finalText      string
		partial        strings.Builder
		continuations  = 0
		breakerCount   = 0
		toolOutputs    []string
		memoryToolUsed = false
	)

	defer r.dispatcher.CancelCorrelation(correlationID)

loop:
	for iteration := 0; iteration < r.opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			notice := llm.Message{Role: llm.RoleUser, Content: cancellationNotice}
			history = append(history, notice)
			_ = r.store.AppendMessage(context.WithoutCancel(ctx), req.UserID, notice)
			finalText = cancelledMessage
			break loop
		}

		llmStart := time.Now()
		completion, err := r.provider.SendMessage(ctx, history, toolSet, system)
		if r.metrics != nil {
			r.metrics.LLMCallDuration.Record(ctx, time.Since(llmStart).Seconds())
		}
		if err != nil {
			apology := llm.Message{Role: llm.RoleAssistant, Content: apologyMessage}
			history = append(history, apology)
			_ = r.store.AppendMessage(context.WithoutCancel(ctx), req.UserID, apology)
			return Result{Text: apologyMessage, History: history}, fmt.Errorf("llm call: %w", err)
		}
		if r.metrics != nil {
			r.metrics.TokensUsed.Add(ctx, int64(completion.Usage.PromptTokens+completion.Usage.CompletionTokens))
		}

		switch completion.StopReason {
		case llm.StopToolUse:
			assistant := completion.Message
			history = append(history, assistant)
			if err := r.store.AppendMessage(ctx, req.UserID, assistant); err != nil {
				return Result{}, fmt.Errorf("persist assistant message: %w", err)
			}
			if progress != nil && isSubstantialNarration(assistant.Content) {
				progress(assistant.Content)
			}

			results, skillActivated := r.executeToolBatch(ctx, req, correlationID, assistant.ToolCalls)
			allErrored := len(results) > 0
			for i, call := range assistant.ToolCalls {
				res := results[i]
				if !res.IsError {
					allErrored = false
				}
				if call.Name == tools.ToolMemoryStore && !res.IsError {
					memoryToolUsed = true
				}
				toolOutputs = append(toolOutputs, res.Content)
				toolMsg := llm.Message{
					Role:       llm.RoleTool,
					Content:    formatToolResult(res),
					ToolCallID: call.ID,
				}
				history = append(history, toolMsg)
				if err := r.store.AppendMessage(ctx, req.UserID, toolMsg); err != nil {
					return Result{}, fmt.Errorf("persist tool result: %w", err)
				}
			}

			if allErrored {
				breakerCount++
				if r.metrics != nil {
					r.metrics.ToolCallErrors.Add(ctx, int64(len(results)))
				}
				if breakerCount >= r.opts.BreakerThreshold {
					hint := llm.Message{Role: llm.RoleUser, Content: breakerHint}
					history = append(history, hint)
					_ = r.store.AppendMessage(ctx, req.UserID, hint)
					breakerCount = 0
					logger.Warn("tool failure breaker tripped, hint injected")
				}
			} else {
				breakerCount = 0
			}

			if skillActivated {
				system = r.buildSystemPrompt(ctx, req, truncated)
				toolSet = r.toolSet(req)
			}

		case llm.StopMaxTokens:
			partial.WriteString(completion.Message.Content)
			continuations++
			if continuations > r.opts.MaxContinuations {
				// Accept the partial as final.
				finalText = partial.String()
				final := llm.Message{Role: llm.RoleAssistant, Content: finalText}
				history = append(history, final)
				_ = r.store.AppendMessage(context.WithoutCancel(ctx), req.UserID, final)
				break loop
			}
			history = append(history, completion.Message)
			history = append(history, llm.Message{Role: llm.RoleUser, Content: continueInstruction})

		case llm.StopEndTurn:
			text := completion.Message.Content
			if partial.Len() > 0 {
				partial.WriteString(text)
				text = partial.String()
			}
			if !req.SkipSecurity && r.guard != nil {
				if verdict := r.guard.CheckOutput(ctx, text); verdict.Blocked {
					logger.Warn("output blocked by guard", "reason", verdict.Reason)
					if r.metrics != nil {
						r.metrics.GuardBlocks.Add(ctx, 1)
					}
					text = outputBlockedMessage
				}
			}
			finalText = text
			assistant := llm.Message{Role: llm.RoleAssistant, Content: finalText}
			history = append(history, assistant)
			if err := r.store.AppendMessage(ctx, req.UserID, assistant); err != nil {
				return Result{}, fmt.Errorf("persist assistant message: %w", err)
			}
			break loop

		default:
			return Result{}, fmt.Errorf("unexpected stop reason %q", completion.StopReason)
		}

		if r.metrics != nil {
			r.metrics.TurnIterations.Add(ctx, 1)
		}
	}

	if finalText == "" {
		// Iterations ran out: fall back to the last assistant message, which
		// is already in history and persisted. Only the incomplete notice is
		// a new message.
		finalText = lastAssistantText(history)
		if finalText == "" {
			finalText = incompleteMessage
			final := llm.Message{Role: llm.RoleAssistant, Content: finalText}
			history = append(history, final)
			_ = r.store.AppendMessage(context.WithoutCancel(ctx), req.UserID, final)
		}
	}

	files := RecoverFiles(toolOutputs)

	r.postTurn(req, finalText, memoryToolUsed)

	return Result{Text: finalText, History: history, Files: files}, nil
}

// executeToolBatch runs one LLM response's tool calls: local tools
// synchronously in order, remote tools concurrently. Results land in the
// original call order regardless of completion order. A failed sibling never
// cancels the rest of the batch.
func (r *Runner) executeToolBatch(ctx context.Context, req Request, correlationID string, calls []llm.ToolCall) ([]tools.Result, bool) {
	results := make([]tools.Result, len(calls))
	skillActivated := false

	var wg sync.WaitGroup
	for i, call := range calls {
		if r.router.IsLocal(call.Name) {
			results[i] = r.router.ExecuteLocal(ctx, req.UserID, call, req.DisableTaskTools)
			if call.Name == tools.ToolActivateSkill && !results[i].IsError {
				skillActivated = true
			}
			continue
		}

		skillName, ok := r.registry.SkillForTool(call.Name)
		if !ok {
			results[i] = tools.Result{Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
			continue
		}
		var config map[string]string
		if skill, found := r.registry.Get(skillName); found {
			config = skill.Config
		}
		job := tools.ToolJob{
			SkillName:     skillName,
			ToolName:      call.Name,
			Args:          call.Args,
			SkillConfig:   config,
			CorrelationID: correlationID,
		}
		wg.Add(1)
		go func(i int, job tools.ToolJob) {
			defer wg.Done()
			res, err := r.dispatcher.Dispatch(ctx, job, req.Priority)
			if err != nil {
				res = tools.Result{Content: err.Error(), IsError: true}
			}
			results[i] = res
		}(i, job)
	}
	wg.Wait()
	return results, skillActivated
}

func (r *Runner) toolSet(req Request) []llm.ToolDef {
	defs := tools.BuiltinToolDefs(req.DisableTaskTools)
	defs = append(defs, r.registry.ActiveToolDefs()...)
	return defs
}

func formatToolResult(res tools.Result) string {
	if res.IsError {
		return "Error: " + res.Content
	}
	return res.Content
}

func lastAssistantText(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleAssistant && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// isSubstantialNarration filters out short affirmation-only fragments so
// progress events carry real status, not filler.
func isSubstantialNarration(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 20 {
		return false
	}
	switch strings.ToLower(strings.TrimRight(trimmed, ".!")) {
	case "ok", "okay", "sure", "on it", "got it", "one moment", "working on it":
		return false
	}
	return true
}
