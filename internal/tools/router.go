// Package tools routes requested tool calls: memory/task CRUD and skill
// activation run in-process, everything else is dispatched through the tool
// queue to a worker.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quiethour/quill/internal/llm"
	"github.com/quiethour/quill/internal/skills"
	"github.com/quiethour/quill/internal/store"
)

// Executor runs a skill tool. Implementations are opaque to the router: a
// failure surfaces as an error string, never a structured type.
type Executor interface {
	Execute(ctx context.Context, toolName string, args json.RawMessage) (string, error)
}

// Result is the outcome of one tool call, in the shape the model consumes.
type Result struct {
	Content string
	IsError bool
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// TaskScheduler is the slice of the scheduler the task tools need.
type TaskScheduler interface {
	ArmTask(ctx context.Context, task *store.Task) error
	CancelTask(ctx context.Context, taskID string) error
}

// Router classifies and executes tool calls.
type Router struct {
	store     *store.Store
	registry  *skills.Registry
	scheduler TaskScheduler
	executor  Executor // in-process executor for tools pinned local
	local     map[string]struct{}
	logger    *slog.Logger
}

func NewRouter(st *store.Store, registry *skills.Registry, scheduler TaskScheduler, executor Executor, localTools []string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	local := make(map[string]struct{}, len(localTools))
	for _, name := range localTools {
		local[name] = struct{}{}
	}
	return &Router{
		store:     st,
		registry:  registry,
		scheduler: scheduler,
		executor:  executor,
		local:     local,
		logger:    logger,
	}
}

// Builtin tool names handled in-process.
const (
	ToolMemoryStore   = "memory_store"
	ToolMemoryUpdate  = "memory_update"
	ToolMemoryDelete  = "memory_delete"
	ToolMemoryList    = "memory_list"
	ToolTaskCreate    = "task_create"
	ToolTaskList      = "task_list"
	ToolTaskCancel    = "task_cancel"
	ToolActivateSkill = "activate_skill"
)

var builtinTools = map[string]struct{}{
	ToolMemoryStore:   {},
	ToolMemoryUpdate:  {},
	ToolMemoryDelete:  {},
	ToolMemoryList:    {},
	ToolTaskCreate:    {},
	ToolTaskList:      {},
	ToolTaskCancel:    {},
	ToolActivateSkill: {},
}

// IsLocal reports whether a tool executes in-process: the builtin memory,
// task, and activation tools, plus any tool name pinned local by config
// (skills holding in-process state such as a persistent browser handle).
func (r *Router) IsLocal(name string) bool {
	if _, ok := builtinTools[name]; ok {
		return true
	}
	_, ok := r.local[name]
	return ok
}

// ExecuteLocal runs a local tool synchronously. Store and scheduler errors
// are converted into error results rather than propagated: a failed tool must
// not abort the turn.
func (r *Router) ExecuteLocal(ctx context.Context, userID string, call llm.ToolCall, disableTaskTools bool) Result {
	switch call.Name {
	case ToolMemoryStore:
		return r.memoryStore(ctx, userID, call.Args)
	case ToolMemoryUpdate:
		return r.memoryUpdate(ctx, call.Args)
	case ToolMemoryDelete:
		return r.memoryDelete(ctx, call.Args)
	case ToolMemoryList:
		return r.memoryList(ctx, userID)
	case ToolTaskCreate, ToolTaskList, ToolTaskCancel:
		if disableTaskTools {
			return errorResult("task tools are unavailable inside a scheduled task run")
		}
		switch call.Name {
		case ToolTaskCreate:
			return r.taskCreate(ctx, userID, call.Args)
		case ToolTaskList:
			return r.taskList(ctx, userID)
		default:
			return r.taskCancel(ctx, call.Args)
		}
	case ToolActivateSkill:
		return r.activateSkill(call.Args)
	}

	// Tools pinned local by config execute through the in-process executor.
	if _, ok := r.local[call.Name]; ok {
		if r.executor == nil {
			return errorResult("tool %q is configured local but no executor is attached", call.Name)
		}
		content, err := r.executor.Execute(ctx, call.Name, call.Args)
		if err != nil {
			return errorResult("%s failed: %v", call.Name, err)
		}
		return Result{Content: content}
	}
	return errorResult("unknown local tool %q", call.Name)
}

// BuiltinToolDefs returns the schemas of the in-process tools for the LLM
// tool catalog.
func BuiltinToolDefs(disableTaskTools bool) []llm.ToolDef {
	defs := []llm.ToolDef{
		{
			Name:        ToolMemoryStore,
			Description: "Store a fact about the user for future conversations.",
			Parameters: objectSchema(map[string]any{
				"content":  map[string]any{"type": "string", "description": "The fact to remember."},
				"category": map[string]any{"type": "string", "description": "Optional grouping, e.g. preferences."},
			}, "content"),
		},
		{
			Name:        ToolMemoryUpdate,
			Description: "Update a stored memory by id.",
			Parameters: objectSchema(map[string]any{
				"memory_id": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
			}, "memory_id", "content"),
		},
		{
			Name:        ToolMemoryDelete,
			Description: "Delete a stored memory by id.",
			Parameters: objectSchema(map[string]any{
				"memory_id": map[string]any{"type": "string"},
			}, "memory_id"),
		},
		{
			Name:        ToolMemoryList,
			Description: "List everything remembered about the user.",
			Parameters:  objectSchema(map[string]any{}),
		},
		{
			Name:        ToolActivateSkill,
			Description: "Activate a skill to gain access to its tools. Inactive skills are listed in the system prompt.",
			Parameters: objectSchema(map[string]any{
				"skill": map[string]any{"type": "string", "description": "Skill name to activate."},
			}, "skill"),
		},
	}
	if !disableTaskTools {
		defs = append(defs,
			llm.ToolDef{
				Name:        ToolTaskCreate,
				Description: "Create a reminder or a scheduled agent task. Provide either schedule_at (RFC 3339) or cron (5-field expression).",
				Parameters: objectSchema(map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"kind":        map[string]any{"type": "string", "enum": []any{"reminder", "execution"}},
					"schedule_at": map[string]any{"type": "string", "description": "RFC 3339 timestamp for one-shot tasks."},
					"cron":        map[string]any{"type": "string", "description": "Cron expression for recurring tasks."},
				}, "title"),
			},
			llm.ToolDef{
				Name:        ToolTaskList,
				Description: "List the user's tasks with status.",
				Parameters:  objectSchema(map[string]any{}),
			},
			llm.ToolDef{
				Name:        ToolTaskCancel,
				Description: "Cancel a task by id.",
				Parameters: objectSchema(map[string]any{
					"task_id": map[string]any{"type": "string"},
				}, "task_id"),
			},
		)
	}
	return defs
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func (r *Router) memoryStore(ctx context.Context, userID string, args json.RawMessage) Result {
	var in struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid memory_store arguments: %v", err)
	}
	id, err := r.store.StoreMemory(ctx, userID, in.Content, in.Category)
	if err != nil {
		return errorResult("could not store memory: %v", err)
	}
	return Result{Content: fmt.Sprintf("Remembered (id %s).", id)}
}

func (r *Router) memoryUpdate(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		MemoryID string `json:"memory_id"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid memory_update arguments: %v", err)
	}
	if err := r.store.UpdateMemory(ctx, in.MemoryID, in.Content); err != nil {
		return errorResult("could not update memory: %v", err)
	}
	return Result{Content: "Memory updated."}
}

func (r *Router) memoryDelete(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		MemoryID string `json:"memory_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid memory_delete arguments: %v", err)
	}
	if err := r.store.DeleteMemory(ctx, in.MemoryID); err != nil {
		return errorResult("could not delete memory: %v", err)
	}
	return Result{Content: "Memory deleted."}
}

func (r *Router) memoryList(ctx context.Context, userID string) Result {
	memories, err := r.store.ListMemories(ctx, userID)
	if err != nil {
		return errorResult("could not list memories: %v", err)
	}
	if len(memories) == 0 {
		return Result{Content: "No memories stored."}
	}
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] (%s) %s\n", m.ID, m.Category, m.Content)
	}
	return Result{Content: b.String()}
}

func (r *Router) taskCreate(ctx context.Context, userID string, args json.RawMessage) Result {
	var in struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Kind        string `json:"kind"`
		ScheduleAt  string `json:"schedule_at"`
		Cron        string `json:"cron"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid task_create arguments: %v", err)
	}
	var scheduleAt *time.Time
	if in.ScheduleAt != "" {
		t, err := time.Parse(time.RFC3339, in.ScheduleAt)
		if err != nil {
			return errorResult("schedule_at must be RFC 3339: %v", err)
		}
		scheduleAt = &t
	}
	if scheduleAt == nil && in.Cron == "" {
		return errorResult("task_create needs schedule_at or cron")
	}
	task, err := r.store.CreateTask(ctx, store.TaskParams{
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Kind:        store.TaskKind(strings.ToLower(in.Kind)),
		ScheduleAt:  scheduleAt,
		CronExpr:    in.Cron,
	})
	if err != nil {
		return errorResult("could not create task: %v", err)
	}
	if err := r.scheduler.ArmTask(ctx, task); err != nil {
		return errorResult("task stored but scheduling failed: %v", err)
	}
	when := in.Cron
	if scheduleAt != nil {
		when = scheduleAt.Format(time.RFC3339)
	}
	return Result{Content: fmt.Sprintf("Task %q created (id %s), scheduled for %s.", task.Title, task.ID, when)}
}

func (r *Router) taskList(ctx context.Context, userID string) Result {
	tasks, err := r.store.ListTasks(ctx, userID)
	if err != nil {
		return errorResult("could not list tasks: %v", err)
	}
	if len(tasks) == 0 {
		return Result{Content: "No tasks."}
	}
	var b strings.Builder
	for _, t := range tasks {
		when := t.CronExpr
		if t.ScheduleAt != nil {
			when = t.ScheduleAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %s) %s\n", t.ID, t.Title, t.Status, t.Kind, when)
	}
	return Result{Content: b.String()}
}

func (r *Router) taskCancel(ctx context.Context, args json.RawMessage) Result {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid task_cancel arguments: %v", err)
	}
	if err := r.scheduler.CancelTask(ctx, in.TaskID); err != nil {
		return errorResult("could not cancel task: %v", err)
	}
	return Result{Content: "Task cancelled."}
}

// activateSkill is idempotent: re-activating an active skill returns its tool
// list again instead of erroring.
func (r *Router) activateSkill(args json.RawMessage) Result {
	var in struct {
		Skill string `json:"skill"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid activate_skill arguments: %v", err)
	}
	defs, err := r.registry.Activate(in.Skill)
	if err != nil {
		return errorResult("%v", err)
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return Result{Content: fmt.Sprintf("Skill %q active. Tools now available: %s.", in.Skill, strings.Join(names, ", "))}
}
