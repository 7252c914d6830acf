package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
)

// stubExecutor runs tool calls from a function map.
type stubExecutor struct {
	fn func(ctx context.Context, toolName string, args json.RawMessage) (string, error)
}

func (s *stubExecutor) Execute(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	return s.fn(ctx, toolName, args)
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	bus        *bus.Bus
}

// newDispatchFixture wires a dispatcher to a live tool worker pool backed by
// an in-memory store.
func newDispatchFixture(t *testing.T, executor Executor) *dispatchFixture {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eventBus := bus.New()
	q := queue.New(st, eventBus, 3, 10*time.Millisecond, nil)

	if executor != nil {
		ctx, cancel := context.WithCancel(context.Background())
		workers := queue.NewWorkers(st, eventBus, []queue.PoolConfig{{
			Queue:   queue.QueueTool,
			Workers: 1,
			Handler: NewToolJobHandler(executor, eventBus, testLogger()),
		}}, queue.WorkersOptions{PollInterval: 10 * time.Millisecond, Logger: testLogger()})
		if err := workers.Start(ctx); err != nil {
			cancel()
			t.Fatalf("start workers: %v", err)
		}
		t.Cleanup(func() {
			cancel()
			workers.Wait()
		})
	}

	return &dispatchFixture{
		dispatcher: NewDispatcher(q, eventBus, testLogger()),
		queue:      q,
		bus:        eventBus,
	}
}

func TestDispatchReturnsToolResult(t *testing.T) {
	f := newDispatchFixture(t, &stubExecutor{
		fn: func(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
			return "sunny, 24C", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.dispatcher.Dispatch(ctx, ToolJob{
		SkillName:     "weather",
		ToolName:      "weather_lookup",
		Args:          json.RawMessage(`{"city":"Lisbon"}`),
		CorrelationID: "turn-1",
	}, queue.PriorityInteractive)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.IsError || res.Content != "sunny, 24C" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchExecutorErrorBecomesErrorResult(t *testing.T) {
	calls := 0
	f := newDispatchFixture(t, &stubExecutor{
		fn: func(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
			calls++
			return "", errors.New("city not found")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.dispatcher.Dispatch(ctx, ToolJob{ToolName: "weather_lookup"}, queue.PriorityDefault)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.IsError || res.Content != "city not found" {
		t.Fatalf("result = %+v", res)
	}
	// A deterministic tool failure is a result, not a job failure: it must
	// not burn queue retry attempts.
	if calls != 1 {
		t.Fatalf("executor called %d times, want 1", calls)
	}
}

func TestDispatchRejectsCancelledContextBeforeEnqueue(t *testing.T) {
	f := newDispatchFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.dispatcher.Dispatch(ctx, ToolJob{ToolName: "weather_lookup"}, queue.PriorityDefault)
	if !errors.Is(err, ErrDispatchCancelled) {
		t.Fatalf("err = %v, want ErrDispatchCancelled", err)
	}
	waiting, lerr := f.queue.ListWaiting(context.Background(), queue.QueueTool)
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(waiting) != 0 {
		t.Fatalf("job enqueued despite dead context: %v", waiting)
	}
}

func TestDispatchRemovesUnclaimedJobOnCancel(t *testing.T) {
	// No workers: the job stays waiting, so cancellation must remove it.
	f := newDispatchFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.dispatcher.Dispatch(ctx, ToolJob{ToolName: "slow_tool", CorrelationID: "turn-9"}, queue.PriorityDefault)
	if !errors.Is(err, ErrDispatchCancelled) {
		t.Fatalf("err = %v, want ErrDispatchCancelled", err)
	}
	waiting, lerr := f.queue.ListWaiting(context.Background(), queue.QueueTool)
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(waiting) != 0 {
		t.Fatalf("cancelled job still waiting: %v", waiting)
	}
}

// lockedBuffer lets the test read log output that worker goroutines may still
// be writing.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestToolJobHandlerNormalCompletionLogsNoCancellation(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eventBus := bus.New()
	q := queue.New(st, eventBus, 3, 10*time.Millisecond, nil)

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	executor := &stubExecutor{fn: func(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
		return "done", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	workers := queue.NewWorkers(st, eventBus, []queue.PoolConfig{{
		Queue:   queue.QueueTool,
		Workers: 1,
		Handler: NewToolJobHandler(executor, eventBus, logger),
	}}, queue.WorkersOptions{PollInterval: 10 * time.Millisecond, Logger: logger})
	if err := workers.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start workers: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		workers.Wait()
	})

	d := NewDispatcher(q, eventBus, logger)
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	res, err := d.Dispatch(dctx, ToolJob{ToolName: "quick_tool", CorrelationID: "turn-3"}, queue.PriorityDefault)
	if err != nil || res.IsError {
		t.Fatalf("dispatch = %+v, %v", res, err)
	}

	// Unsubscribing from the cancel topic closes the subscription channel;
	// the watch goroutine must treat that as cleanup, not as a cancel signal.
	time.Sleep(100 * time.Millisecond)
	if out := logs.String(); strings.Contains(out, "tool execution cancelled") {
		t.Fatalf("spurious cancellation logged after normal completion:\n%s", out)
	}
}

func TestDispatchCancelStopsRunningTool(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan error, 1)
	f := newDispatchFixture(t, &stubExecutor{
		fn: func(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return "", ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Dispatch(ctx, ToolJob{ToolName: "long_tool", CorrelationID: "turn-2"}, queue.PriorityDefault)
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDispatchCancelled) {
			t.Fatalf("dispatch err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("running tool was not told to stop")
	}
}
