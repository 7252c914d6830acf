package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// TaskKind distinguishes reminders (fire a notification) from executions
// (run an agent turn with the task description as input).
type TaskKind string

const (
	TaskKindReminder  TaskKind = "reminder"
	TaskKindExecution TaskKind = "execution"
)

var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusScheduled: {},
		TaskStatusCancelled: {},
	},
	TaskStatusScheduled: {
		TaskStatusRunning:   {},
		TaskStatusPaused:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusScheduled: {}, // cron re-arm after a firing
		TaskStatusPaused:    {}, // cron auto-pause on repeated failure
		TaskStatusCancelled: {},
	},
	TaskStatusFailed: {
		TaskStatusScheduled: {}, // cron re-arm; failure is not terminal for recurring tasks
		TaskStatusPaused:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusPaused: {
		TaskStatusScheduled: {},
		TaskStatusCancelled: {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	next, ok := taskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is a user-owned scheduled item: either a one-shot (ScheduleAt set) or
// a recurring cron task (CronExpr set).
type Task struct {
	ID           string
	UserID       string
	Title        string
	Description  string
	Kind         TaskKind
	Status       TaskStatus
	ScheduleAt   *time.Time
	CronExpr     string
	FailureCount int
	LastError    string
	LastRunAt    *time.Time
	Metadata     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalTransition = errors.New("illegal task transition")
)

// TaskParams describes a task to create.
type TaskParams struct {
	UserID      string
	Title       string
	Description string
	Kind        TaskKind
	ScheduleAt  *time.Time
	CronExpr    string
	Metadata    string
}

// CreateTask inserts a new task. A task with a schedule starts out
// `scheduled`; one without starts `pending`.
func (s *Store) CreateTask(ctx context.Context, params TaskParams) (*Task, error) {
	if params.Title == "" {
		return nil, fmt.Errorf("task title required")
	}
	if params.Kind == "" {
		params.Kind = TaskKindReminder
	}
	if params.Metadata == "" {
		params.Metadata = "{}"
	}
	status := TaskStatusPending
	if params.ScheduleAt != nil || params.CronExpr != "" {
		status = TaskStatusScheduled
	}
	task := &Task{
		ID:          uuid.NewString(),
		UserID:      params.UserID,
		Title:       params.Title,
		Description: params.Description,
		Kind:        params.Kind,
		Status:      status,
		ScheduleAt:  params.ScheduleAt,
		CronExpr:    params.CronExpr,
		Metadata:    params.Metadata,
	}
	var at sql.NullTime
	if params.ScheduleAt != nil {
		at = sql.NullTime{Valid: true, Time: params.ScheduleAt.UTC()}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, kind, status, schedule_at, cron_expr, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, task.ID, task.UserID, task.Title, task.Description, string(task.Kind), string(status), at, task.CronExpr, task.Metadata)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, user_id, title, description, kind, status, schedule_at, COALESCE(cron_expr, ''),
	failure_count, COALESCE(last_error, ''), last_run_at, metadata, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, userID string) ([]Task, error) {
	return s.listTasks(ctx, `WHERE user_id = ?`, userID)
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return s.listTasks(ctx, fmt.Sprintf(`WHERE status IN (%s)`, placeholders), args...)
}

func (s *Store) listTasks(ctx context.Context, where string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks %s
		ORDER BY created_at ASC, id ASC;
	`, taskColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		task       Task
		kind       string
		status     string
		scheduleAt sql.NullTime
		lastRunAt  sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.UserID,
		&task.Title,
		&task.Description,
		&kind,
		&status,
		&scheduleAt,
		&task.CronExpr,
		&task.FailureCount,
		&task.LastError,
		&lastRunAt,
		&task.Metadata,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Kind = TaskKind(kind)
	task.Status = TaskStatus(status)
	if scheduleAt.Valid {
		t := scheduleAt.Time
		task.ScheduleAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		task.LastRunAt = &t
	}
	return &task, nil
}

// TransitionTask atomically moves a task to a new status after validating the
// transition against the current stored status. It returns the task as read
// before the transition.
func (s *Store) TransitionTask(ctx context.Context, id string, to TaskStatus) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		task, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !CanTransition(task.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, task.Status, to)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(to), id, string(task.Status)); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordTaskFailure increments the failure counter, stores the error, and
// returns the new count. The caller decides whether the count warrants a
// pause.
func (s *Store) RecordTaskFailure(ctx context.Context, id, errMsg string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET failure_count = failure_count + 1,
			last_error = ?,
			last_run_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, errMsg, id)
	if err != nil {
		return 0, fmt.Errorf("record task failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("task failure rows: %w", err)
	}
	if n == 0 {
		return 0, ErrTaskNotFound
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT failure_count FROM tasks WHERE id = ?;`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read failure count: %w", err)
	}
	return count, nil
}

// RecordTaskRun clears failure tracking after a successful firing.
func (s *Store) RecordTaskRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET failure_count = 0,
			last_error = NULL,
			last_run_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}
