package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
)

// ToolJob is the payload carried through the tool queue to a worker.
type ToolJob struct {
	SkillName     string            `json:"skill_name"`
	ToolName      string            `json:"tool_name"`
	Args          json.RawMessage   `json:"args"`
	SkillConfig   map[string]string `json:"skill_config,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

// ToolJobResult is what the worker writes back into the job record.
type ToolJobResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ErrDispatchCancelled reports that the caller's signal fired before the
// remote tool produced a result.
var ErrDispatchCancelled = fmt.Errorf("tool dispatch cancelled")

// Dispatcher sends remote tool calls through the tool queue and awaits their
// results.
type Dispatcher struct {
	queue  *queue.Queue
	bus    *bus.Bus
	logger *slog.Logger
}

func NewDispatcher(q *queue.Queue, eventBus *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: q, bus: eventBus, logger: logger}
}

// Dispatch enqueues a tool job and blocks until it resolves or ctx fires. A
// ctx already cancelled at entry rejects without touching the queue. When ctx
// fires mid-wait, a still-queued job is removed outright; an already-running
// job is notified over the correlation-scoped cancel topic and left to stop
// cooperatively.
func (d *Dispatcher) Dispatch(ctx context.Context, job ToolJob, priority int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchCancelled, err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Result{}, fmt.Errorf("marshal tool job: %w", err)
	}

	queued, err := d.queue.Enqueue(ctx, queue.QueueTool, string(payload), queue.EnqueueOptions{
		Priority: priority,
	})
	if err != nil {
		return Result{}, fmt.Errorf("enqueue tool job: %w", err)
	}

	done, err := d.queue.Await(ctx, queued.ID)
	if err != nil {
		// Remove the job if nobody claimed it yet; otherwise tell the
		// executor to wind down. In-flight work is cooperative only.
		if removed, rerr := d.queue.Remove(context.WithoutCancel(ctx), queued.ID); rerr == nil && !removed {
			d.bus.Publish(bus.TopicToolCancelPrefix+job.CorrelationID, job.CorrelationID)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrDispatchCancelled, err)
	}

	if done.Status == store.JobStatusFailed {
		return Result{Content: done.Error, IsError: true}, nil
	}
	var result ToolJobResult
	if err := json.Unmarshal([]byte(done.Result), &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal tool result: %w", err)
	}
	return Result{Content: result.Content, IsError: result.IsError}, nil
}

// CancelCorrelation tells every executor working under a correlation id to
// stop. Used by the "stop current tool" path and by turn cleanup.
func (d *Dispatcher) CancelCorrelation(correlationID string) {
	d.bus.Publish(bus.TopicToolCancelPrefix+correlationID, correlationID)
}

// NewToolJobHandler builds the tool-queue worker handler: it unmarshals the
// job, wires the correlation-scoped cancel topic into the execution context,
// and runs the executor.
func NewToolJobHandler(executor Executor, eventBus *bus.Bus, logger *slog.Logger) queue.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *store.Job) (string, error) {
		var tj ToolJob
		if err := json.Unmarshal([]byte(job.Payload), &tj); err != nil {
			return "", fmt.Errorf("unmarshal tool job: %w", err)
		}

		execCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if tj.CorrelationID != "" && eventBus != nil {
			topic := bus.TopicToolCancelPrefix + tj.CorrelationID
			events := eventBus.Subscribe(topic)
			defer eventBus.Unsubscribe(topic, events)
			go func() {
				select {
				case <-execCtx.Done():
				case _, ok := <-events:
					if !ok {
						// Unsubscribe closed the channel after a normal
						// completion; nothing was cancelled.
						return
					}
					logger.Info("tool execution cancelled", "tool", tj.ToolName, "correlation_id", tj.CorrelationID)
					cancel()
				}
			}()
		}

		content, err := executor.Execute(execCtx, tj.ToolName, tj.Args)
		result := ToolJobResult{Content: content}
		if err != nil {
			// Surface the failure in the result payload; the model consumes
			// it as an error-tagged tool message. Returning the error as well
			// would trigger queue retries for deterministic tool failures.
			result = ToolJobResult{Content: err.Error(), IsError: true}
		}
		data, merr := json.Marshal(result)
		if merr != nil {
			return "", fmt.Errorf("marshal tool result: %w", merr)
		}
		return string(data), nil
	}
}
