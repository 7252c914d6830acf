package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quiethour/quill/internal/agent"
	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/llm"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
	"github.com/quiethour/quill/internal/telemetry"
)

// failurePauseThreshold is how many consecutive failed runs a recurring task
// survives before it stops re-arming.
const failurePauseThreshold = 3

const proactiveSystemPrompt = `You decide whether a brief, genuinely useful follow-up to an earlier conversation is warranted, and write it if so. Good follow-ups check on something the user planned to do or deliver something they were waiting for. If nothing useful can be said, respond with exactly SKIP. Otherwise respond with only the follow-up message, one or two sentences.`

// Lifecycle consumes the schedule queue: task firings and proactive
// follow-ups both land here.
type Lifecycle struct {
	store     *store.Store
	queue     *queue.Queue
	scheduler *Scheduler
	provider  llm.Provider
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

func NewLifecycle(st *store.Store, q *queue.Queue, sched *Scheduler, provider llm.Provider, eventBus *bus.Bus, logger *slog.Logger, metrics *telemetry.Metrics) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:     st,
		queue:     q,
		scheduler: sched,
		provider:  provider,
		bus:       eventBus,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handler returns the schedule-queue handler. A returned error makes the
// queue retry the firing; outcomes the retry cannot fix (missing task,
// cancelled task) return nil instead.
func (l *Lifecycle) Handler() queue.Handler {
	return func(ctx context.Context, job *store.Job) (string, error) {
		var payload struct {
			TaskID  string    `json:"task_id"`
			UserID  string    `json:"user_id"`
			Channel string    `json:"channel"`
			ArmedAt time.Time `json:"armed_at"`
		}
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return "", fmt.Errorf("unmarshal schedule job: %w", err)
		}
		switch {
		case payload.TaskID != "":
			return "", l.fireTask(ctx, payload.TaskID)
		case payload.UserID != "":
			return "", l.fireProactive(ctx, payload.UserID, payload.Channel, payload.ArmedAt)
		default:
			return "", errors.New("schedule job carries neither task_id nor user_id")
		}
	}
}

func (l *Lifecycle) fireTask(ctx context.Context, taskID string) error {
	task, err := l.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		l.scheduler.DeregisterCron(taskID)
		l.logger.Warn("firing for missing task dropped", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	// A recurring firing can race a cancel or pause; the registration is
	// cleaned up here rather than erroring.
	if task.Status != store.TaskStatusScheduled {
		if task.CronExpr != "" {
			l.scheduler.DeregisterCron(taskID)
		}
		l.logger.Info("firing skipped", "task_id", taskID, "status", task.Status)
		return nil
	}

	if l.metrics != nil {
		l.metrics.TaskFirings.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(task.Kind))))
	}

	if _, err := l.store.TransitionTask(ctx, taskID, store.TaskStatusRunning); err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}

	var runErr error
	var result agent.Result
	if task.Kind == store.TaskKindReminder {
		l.notify(task, "Reminder: "+task.Title)
	} else {
		result, runErr = l.runExecution(ctx, task)
	}

	// Re-read before finishing: a cancel while the run was in flight wins,
	// and its owner must not receive a completion for work they cancelled.
	current, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", taskID, err)
	}
	if current.Status == store.TaskStatusCancelled {
		l.scheduler.DeregisterCron(taskID)
		l.logger.Info("task cancelled mid-run, outcome suppressed", "task_id", taskID)
		return nil
	}

	if runErr != nil {
		return l.finishFailed(ctx, task, runErr)
	}
	return l.finishCompleted(ctx, task, result)
}

// runExecution hands the task to the agent as a background turn and waits for
// the result. Task tools are disabled inside the run so a task cannot
// schedule more tasks, and guarding is skipped for self-originated prompts.
func (l *Lifecycle) runExecution(ctx context.Context, task *store.Task) (agent.Result, error) {
	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}
	payload, err := json.Marshal(agent.Request{
		UserMessage:      prompt,
		UserID:           task.UserID,
		Channel:          taskChannel(task),
		Priority:         queue.PriorityBackground,
		SkipSecurity:     true,
		DisableTaskTools: true,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("marshal task run request: %w", err)
	}
	job, err := l.queue.Enqueue(ctx, queue.QueueAgent, string(payload), queue.EnqueueOptions{
		Priority:    queue.PriorityBackground,
		MaxAttempts: 1,
	})
	if err != nil {
		return agent.Result{}, fmt.Errorf("enqueue task run: %w", err)
	}
	done, err := l.queue.Await(ctx, job.ID)
	if err != nil {
		return agent.Result{}, fmt.Errorf("await task run: %w", err)
	}
	if done.Status == store.JobStatusFailed {
		return agent.Result{}, fmt.Errorf("task run failed: %s", done.Error)
	}
	var result agent.Result
	if err := json.Unmarshal([]byte(done.Result), &result); err != nil {
		return agent.Result{}, fmt.Errorf("unmarshal task run result: %w", err)
	}
	return result, nil
}

func (l *Lifecycle) finishCompleted(ctx context.Context, task *store.Task, result agent.Result) error {
	next := store.TaskStatusCompleted
	if task.CronExpr != "" {
		next = store.TaskStatusScheduled // recurring tasks re-arm instead of finishing
	}
	if _, err := l.store.TransitionTask(ctx, task.ID, next); err != nil {
		return fmt.Errorf("finish task %s: %w", task.ID, err)
	}
	if err := l.store.RecordTaskRun(ctx, task.ID); err != nil {
		l.logger.Warn("could not record task run", "task_id", task.ID, "error", err)
	}

	l.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
		TaskID: task.ID,
		UserID: task.UserID,
		Status: string(next),
	})
	if task.Kind == store.TaskKindExecution {
		text := strings.TrimSpace(result.Text)
		if text != "" {
			l.notify(task, fmt.Sprintf("Task %q finished:\n%s", task.Title, text))
		}
		if len(result.Files) > 0 {
			l.bus.Publish(bus.TopicFileSend, bus.FileEvent{
				UserID:  task.UserID,
				Channel: taskChannel(task),
				Paths:   result.Files,
			})
		}
	}
	l.logger.Info("task run finished", "task_id", task.ID, "status", next)
	return nil
}

func (l *Lifecycle) finishFailed(ctx context.Context, task *store.Task, runErr error) error {
	// One-shot tasks fail terminally.
	if task.CronExpr == "" {
		if _, err := l.store.RecordTaskFailure(ctx, task.ID, runErr.Error()); err != nil {
			l.logger.Warn("could not record task error", "task_id", task.ID, "error", err)
		}
		if _, err := l.store.TransitionTask(ctx, task.ID, store.TaskStatusFailed); err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		l.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
			TaskID: task.ID,
			UserID: task.UserID,
			Status: string(store.TaskStatusFailed),
			Error:  runErr.Error(),
		})
		l.notify(task, fmt.Sprintf("Task %q failed: %v", task.Title, runErr))
		return nil
	}

	// Recurring tasks tolerate a few failures, then pause so a broken task
	// does not fail forever on schedule.
	count, err := l.store.RecordTaskFailure(ctx, task.ID, runErr.Error())
	if err != nil {
		return fmt.Errorf("record failure for task %s: %w", task.ID, err)
	}
	if count >= failurePauseThreshold {
		if _, err := l.store.TransitionTask(ctx, task.ID, store.TaskStatusPaused); err != nil {
			return fmt.Errorf("pause task %s: %w", task.ID, err)
		}
		l.scheduler.DeregisterCron(task.ID)
		l.bus.Publish(bus.TopicTaskPaused, bus.TaskEvent{
			TaskID: task.ID,
			UserID: task.UserID,
			Status: string(store.TaskStatusPaused),
			Error:  runErr.Error(),
		})
		l.notify(task, fmt.Sprintf("Task %q paused after %d consecutive failures. Last error: %v", task.Title, count, runErr))
		l.logger.Warn("recurring task paused", "task_id", task.ID, "failures", count)
		return nil
	}

	if _, err := l.store.TransitionTask(ctx, task.ID, store.TaskStatusScheduled); err != nil {
		return fmt.Errorf("re-arm task %s: %w", task.ID, err)
	}
	l.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
		TaskID: task.ID,
		UserID: task.UserID,
		Status: string(store.TaskStatusScheduled),
		Error:  runErr.Error(),
	})
	l.notify(task, fmt.Sprintf("Task %q failed (attempt %d of %d): %v", task.Title, count, failurePauseThreshold, runErr))
	return nil
}

// fireProactive asks the model whether an unprompted follow-up is worth
// sending and publishes it if so. An inbound message between scheduling and
// firing normally disarms the slot; a message racing the firing after the
// job was claimed slips past the removal, so the stored activity is checked
// against the arm time too.
func (l *Lifecycle) fireProactive(ctx context.Context, userID, channel string, armedAt time.Time) error {
	if !armedAt.IsZero() {
		lastAt, err := l.store.LastUserMessageAt(ctx, userID)
		if err != nil {
			return fmt.Errorf("check activity for proactive: %w", err)
		}
		if lastAt.After(armedAt) {
			l.logger.Debug("proactive follow-up stale, user wrote since arming", "user_id", userID)
			return nil
		}
	}

	history, _, err := l.store.History(ctx, userID, 20)
	if err != nil {
		return fmt.Errorf("load history for proactive: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	var b strings.Builder
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	completion, err := l.provider.SendMessage(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: b.String()},
	}, nil, proactiveSystemPrompt)
	if err != nil {
		// Proactive messages are opportunistic; a provider error is not
		// worth a retry cycle.
		l.logger.Warn("proactive generation failed", "user_id", userID, "error", err)
		return nil
	}

	text := strings.TrimSpace(completion.Message.Content)
	if text == "" || strings.EqualFold(text, "SKIP") {
		l.logger.Debug("proactive follow-up skipped", "user_id", userID)
		return nil
	}
	l.bus.Publish(bus.TopicProactiveSend, bus.ProactiveEvent{
		UserID:  userID,
		Channel: channel,
		Text:    text,
	})
	l.logger.Info("proactive follow-up sent", "user_id", userID, "channel", channel)
	return nil
}

func (l *Lifecycle) notify(task *store.Task, text string) {
	l.bus.Publish(bus.TopicNotifySend, bus.NotifyEvent{
		UserID:  task.UserID,
		Channel: taskChannel(task),
		Text:    text,
	})
}

// taskChannel reads the originating channel from task metadata, when the
// creating turn recorded one.
func taskChannel(task *store.Task) string {
	if task.Metadata == "" {
		return ""
	}
	var meta struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal([]byte(task.Metadata), &meta); err != nil {
		return ""
	}
	return meta.Channel
}
