// Package queue layers three logical job queues (agent, tool, schedule) over
// the shared SQLite store, with bus notifications for completion waits.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/store"
	"github.com/quiethour/quill/internal/telemetry"
)

const (
	QueueAgent    = "agent"
	QueueTool     = "tool"
	QueueSchedule = "schedule"
)

// Priorities: lower runs first. Interactive traffic preempts background work.
const (
	PriorityInteractive = 1
	PriorityDefault     = 5
	PriorityBackground  = 9
)

// EnqueueOptions tunes a single enqueue. Zero values mean defaults.
type EnqueueOptions struct {
	Key         string        // unique among waiting jobs; replaces prior waiting job with same key
	Priority    int           // 0 means PriorityDefault
	MaxAttempts int           // 0 means the configured queue default
	Delay       time.Duration // earliest execution offset from now
}

// Queue is the enqueue/await surface shared by the agent loop, the tool
// dispatcher, and the scheduler.
type Queue struct {
	store        *store.Store
	bus          *bus.Bus
	maxAttempts  int
	pollInterval time.Duration
	metrics      *telemetry.Metrics
}

func New(st *store.Store, eventBus *bus.Bus, maxAttempts int, pollInterval time.Duration, metrics *telemetry.Metrics) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Queue{
		store:        st,
		bus:          eventBus,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		metrics:      metrics,
	}
}

func (q *Queue) Enqueue(ctx context.Context, queue, payload string, opts EnqueueOptions) (*store.Job, error) {
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}
	job, err := q.store.EnqueueJob(ctx, queue, opts.Key, payload, priority, maxAttempts, opts.Delay)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	if q.metrics != nil {
		q.metrics.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
	}
	return job, nil
}

// Await blocks until the job reaches a terminal state or ctx ends. It listens
// on the bus for the completion event and polls the store as a fallback, so a
// missed (dropped) bus send cannot strand the waiter.
func (q *Queue) Await(ctx context.Context, jobID string) (*store.Job, error) {
	topic := bus.TopicJobDonePrefix + jobID
	events := q.bus.Subscribe(topic)
	defer q.bus.Unsubscribe(topic, events)

	// The job may already be terminal before we subscribed.
	if job, done, err := q.checkTerminal(ctx, jobID); err != nil || done {
		return job, err
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
			if job, done, err := q.checkTerminal(ctx, jobID); err != nil || done {
				return job, err
			}
		case <-ticker.C:
			if job, done, err := q.checkTerminal(ctx, jobID); err != nil || done {
				return job, err
			}
		}
	}
}

func (q *Queue) checkTerminal(ctx context.Context, jobID string) (*store.Job, bool, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("await job %s: %w", jobID, err)
	}
	switch job.Status {
	case store.JobStatusDone, store.JobStatusFailed:
		return job, true, nil
	}
	return nil, false, nil
}

// ListWaiting returns waiting jobs for a queue in claim order.
func (q *Queue) ListWaiting(ctx context.Context, queue string) ([]store.Job, error) {
	return q.store.ListWaitingJobs(ctx, queue)
}

// Remove deletes a waiting job by id; an already-claimed job is left alone.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	return q.store.RemoveWaitingJob(ctx, jobID)
}

// RemoveByKey deletes all waiting jobs carrying the key.
func (q *Queue) RemoveByKey(ctx context.Context, key string) (int64, error) {
	return q.store.RemoveWaitingJobsByKey(ctx, key)
}
