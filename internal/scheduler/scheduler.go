// Package scheduler arms delayed and recurring jobs and drives the task
// lifecycle when they fire. Registration is pure plumbing; all business
// decisions live in the lifecycle handler.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
)

// Job key prefixes. One task has at most one live registration per kind.
const (
	schedKeyPrefix     = "sched-"
	cronKeyPrefix      = "cron-"
	proactiveKeyPrefix = "proactive-"
)

// FiringPayload is the schedule-queue payload for a task firing.
type FiringPayload struct {
	TaskID string `json:"task_id"`
}

// ProactivePayload is the schedule-queue payload for a proactive delivery.
// ArmedAt lets the firing detect a user message that raced the disarm.
type ProactivePayload struct {
	UserID  string    `json:"user_id"`
	Channel string    `json:"channel"`
	ArmedAt time.Time `json:"armed_at"`
}

// Scheduler owns the cron runtime and the delayed-job registrations.
type Scheduler struct {
	store          *store.Store
	queue          *queue.Queue
	cron           *cron.Cron
	logger         *slog.Logger
	proactiveDelay time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID // taskID -> cron entry
}

func New(st *store.Store, q *queue.Queue, proactiveDelay time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if proactiveDelay <= 0 {
		proactiveDelay = 2 * time.Hour
	}
	return &Scheduler{
		store:          st,
		queue:          q,
		cron:           cron.New(), // standard 5-field expressions
		logger:         logger,
		proactiveDelay: proactiveDelay,
	}
}

// Start restores registrations for tasks that were scheduled when the
// process last stopped, then starts the cron runtime.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListTasksByStatus(ctx, store.TaskStatusScheduled, store.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("restore scheduled tasks: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		// A task stuck in running means the last process died mid-firing;
		// put it back on the schedule.
		if task.Status == store.TaskStatusRunning {
			if _, err := s.store.TransitionTask(ctx, task.ID, store.TaskStatusScheduled); err != nil {
				s.logger.Warn("could not reset interrupted task", "task_id", task.ID, "error", err)
				continue
			}
		}
		if err := s.ArmTask(ctx, task); err != nil {
			s.logger.Warn("could not re-arm task", "task_id", task.ID, "error", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "restored", len(tasks))

	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// ArmTask registers whichever schedule the task carries: a cron registration
// for recurring tasks, a delayed job for one-shots.
func (s *Scheduler) ArmTask(ctx context.Context, task *store.Task) error {
	if task.CronExpr != "" {
		return s.RegisterCron(ctx, task.ID, task.CronExpr)
	}
	if task.ScheduleAt != nil {
		return s.ScheduleTask(ctx, task.ID, *task.ScheduleAt)
	}
	return fmt.Errorf("task %s has no schedule", task.ID)
}

// ScheduleTask arms a one-shot delayed firing keyed sched-<id>.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskID string, runAt time.Time) error {
	payload, err := json.Marshal(FiringPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal firing payload: %w", err)
	}
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	_, err = s.queue.Enqueue(ctx, queue.QueueSchedule, string(payload), queue.EnqueueOptions{
		Key:         schedKeyPrefix + taskID,
		Priority:    queue.PriorityDefault,
		MaxAttempts: 3,
		Delay:       delay,
	})
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", taskID, err)
	}
	s.logger.Debug("task armed", "task_id", taskID, "run_at", runAt)
	return nil
}

// RegisterCron arms a recurring registration. Re-registering a task replaces
// the previous pattern.
func (s *Scheduler) RegisterCron(ctx context.Context, taskID, expr string) error {
	payload, err := json.Marshal(FiringPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("marshal firing payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[taskID]; ok {
		s.cron.Remove(old)
		delete(s.entries, taskID)
	}
	entryID, err := s.cron.AddFunc(expr, func() {
		enqCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.queue.Enqueue(enqCtx, queue.QueueSchedule, string(payload), queue.EnqueueOptions{
			Key:         cronKeyPrefix + taskID,
			Priority:    queue.PriorityDefault,
			MaxAttempts: 3,
		}); err != nil {
			s.logger.Error("cron firing enqueue failed", "task_id", taskID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register cron for task %s: %w", taskID, err)
	}
	if s.entries == nil {
		s.entries = make(map[string]cron.EntryID)
	}
	s.entries[taskID] = entryID
	s.logger.Debug("cron registered", "task_id", taskID, "expr", expr)
	return nil
}

// DeregisterCron drops a task's cron registration if one exists.
func (s *Scheduler) DeregisterCron(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, taskID)
	}
}

// HasCron reports whether a task has a live cron registration.
func (s *Scheduler) HasCron(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// CancelTask removes both possible registrations and marks the task
// cancelled. Safe to call when neither registration exists.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	if _, err := s.queue.RemoveByKey(ctx, schedKeyPrefix+taskID); err != nil {
		return fmt.Errorf("remove delayed job for task %s: %w", taskID, err)
	}
	if _, err := s.queue.RemoveByKey(ctx, cronKeyPrefix+taskID); err != nil {
		return fmt.Errorf("remove queued cron firing for task %s: %w", taskID, err)
	}
	s.DeregisterCron(taskID)

	if _, err := s.store.TransitionTask(ctx, taskID, store.TaskStatusCancelled); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	s.logger.Info("task cancelled", "task_id", taskID)
	return nil
}

// ScheduleProactive arms the single proactive slot for a user. Any prior
// armed follow-up for that user is superseded, never stacked.
func (s *Scheduler) ScheduleProactive(ctx context.Context, userID, channel string) error {
	payload, err := json.Marshal(ProactivePayload{UserID: userID, Channel: channel, ArmedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal proactive payload: %w", err)
	}
	_, err = s.queue.Enqueue(ctx, queue.QueueSchedule, string(payload), queue.EnqueueOptions{
		Key:         proactiveKeyPrefix + userID,
		Priority:    queue.PriorityBackground,
		MaxAttempts: 1,
		Delay:       s.proactiveDelay,
	})
	if err != nil {
		return fmt.Errorf("schedule proactive for %s: %w", userID, err)
	}
	return nil
}

// CancelProactive disarms the user's proactive slot; a new inbound message
// makes a pending follow-up stale.
func (s *Scheduler) CancelProactive(ctx context.Context, userID string) error {
	if _, err := s.queue.RemoveByKey(ctx, proactiveKeyPrefix+userID); err != nil {
		return fmt.Errorf("cancel proactive for %s: %w", userID, err)
	}
	return nil
}
