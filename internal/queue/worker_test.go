package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startWorkers(t *testing.T, st *store.Store, eventBus *bus.Bus, pools []PoolConfig) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorkers(st, eventBus, pools, WorkersOptions{
		PollInterval: 10 * time.Millisecond,
		Logger:       discardLogger(),
	})
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start workers: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
	return cancel
}

func TestWorkersProcessJob(t *testing.T) {
	q, st, eventBus := newTestQueue(t)

	handled := make(chan string, 1)
	startWorkers(t, st, eventBus, []PoolConfig{{
		Queue:   QueueAgent,
		Workers: 1,
		Handler: func(ctx context.Context, job *store.Job) (string, error) {
			handled <- job.Payload
			return "handled:" + job.Payload, nil
		},
	}})

	ctx := context.Background()
	job, err := q.Enqueue(ctx, QueueAgent, "work", EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	events := eventBus.Subscribe(bus.TopicJobDonePrefix + job.ID)
	defer eventBus.Unsubscribe(bus.TopicJobDonePrefix+job.ID, events)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := q.Await(waitCtx, job.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.Status != store.JobStatusDone || done.Result != "handled:work" {
		t.Fatalf("job finished as %s/%q", done.Status, done.Result)
	}

	select {
	case got := <-handled:
		if got != "work" {
			t.Fatalf("handler saw payload %q", got)
		}
	default:
		t.Fatal("handler was never invoked")
	}

	select {
	case ev := <-events:
		doneEv, ok := ev.Payload.(bus.JobDoneEvent)
		if !ok || doneEv.JobID != job.ID || doneEv.Status != string(store.JobStatusDone) {
			t.Fatalf("done event = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no done event published")
	}
}

func TestWorkersRetryThenTerminal(t *testing.T) {
	q, st, eventBus := newTestQueue(t)

	var calls atomic.Int32
	startWorkers(t, st, eventBus, []PoolConfig{{
		Queue:   QueueTool,
		Workers: 1,
		Handler: func(ctx context.Context, job *store.Job) (string, error) {
			calls.Add(1)
			return "", errors.New("simulated tool failure")
		},
	}})

	ctx := context.Background()
	job, err := q.Enqueue(ctx, QueueTool, "doomed", EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Two attempts separated by the 1s retry backoff.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := q.Await(waitCtx, job.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if done.Status != store.JobStatusFailed {
		t.Fatalf("final status = %s, want failed", done.Status)
	}
	if done.Error != "simulated tool failure" {
		t.Fatalf("error = %q", done.Error)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}
}

func TestWorkersHonourPriority(t *testing.T) {
	q, st, eventBus := newTestQueue(t)
	ctx := context.Background()

	// Enqueue before starting workers so order is decided by claim, not race.
	if _, err := q.Enqueue(ctx, QueueAgent, "background", EnqueueOptions{Priority: PriorityBackground}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	interactive, err := q.Enqueue(ctx, QueueAgent, "interactive", EnqueueOptions{Priority: PriorityInteractive})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	order := make(chan string, 2)
	startWorkers(t, st, eventBus, []PoolConfig{{
		Queue:   QueueAgent,
		Workers: 1,
		Handler: func(ctx context.Context, job *store.Job) (string, error) {
			order <- job.Payload
			return "", nil
		},
	}})

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := q.Await(waitCtx, interactive.ID); err != nil {
		t.Fatalf("await: %v", err)
	}
	if first := <-order; first != "interactive" {
		t.Fatalf("first processed = %q, want interactive", first)
	}
}
