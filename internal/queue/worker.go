package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/store"
	"github.com/quiethour/quill/internal/telemetry"
)

// Handler processes one claimed job and returns its result payload. An error
// triggers the at-least-once retry policy.
type Handler func(ctx context.Context, job *store.Job) (string, error)

// PoolConfig sizes one queue's worker pool.
type PoolConfig struct {
	Queue   string
	Workers int
	Handler Handler
}

// Workers runs the polling worker pools for the configured queues.
type Workers struct {
	store        *store.Store
	bus          *bus.Bus
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	pollInterval time.Duration
	jobTimeout   time.Duration
	retain       int

	pools []PoolConfig
	wg    sync.WaitGroup
}

type WorkersOptions struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	Retain       int // finished jobs kept per queue
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

func NewWorkers(st *store.Store, eventBus *bus.Bus, pools []PoolConfig, opts WorkersOptions) *Workers {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.Retain <= 0 {
		opts.Retain = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Workers{
		store:        st,
		bus:          eventBus,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		jobTimeout:   opts.JobTimeout,
		retain:       opts.Retain,
		pools:        pools,
	}
}

// Start launches the worker goroutines. Jobs left active by a previous
// process are requeued first, preserving at-least-once delivery across
// restarts.
func (w *Workers) Start(ctx context.Context) error {
	recovered, err := w.store.RecoverActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover active jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Info("requeued interrupted jobs", "count", recovered)
	}

	for _, pool := range w.pools {
		if pool.Workers <= 0 || pool.Handler == nil {
			continue
		}
		for i := 0; i < pool.Workers; i++ {
			w.wg.Add(1)
			go w.run(ctx, pool, i)
		}
		w.logger.Info("worker pool started", "queue", pool.Queue, "workers", pool.Workers)
	}

	// Background pruning keeps the finished-job backlog bounded.
	w.wg.Add(1)
	go w.prune(ctx)
	return nil
}

// Wait blocks until all workers have exited.
func (w *Workers) Wait() {
	w.wg.Wait()
}

func (w *Workers) run(ctx context.Context, pool PoolConfig, id int) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything ready before sleeping again.
		for {
			job, err := w.store.ClaimJob(ctx, pool.Queue)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("claim job failed", "queue", pool.Queue, "error", err)
				break
			}
			if job == nil {
				break
			}
			w.execute(ctx, pool, job, id)
		}
	}
}

func (w *Workers) execute(ctx context.Context, pool PoolConfig, job *store.Job, workerID int) {
	logger := w.logger.With("queue", pool.Queue, "job_id", job.ID, "worker", workerID, "attempt", job.Attempts)
	logger.Debug("job started")

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := pool.Handler(jobCtx, job)
	if err == nil {
		if cerr := w.store.CompleteJob(ctx, job.ID, result); cerr != nil {
			logger.Error("complete job failed", "error", cerr)
			return
		}
		logger.Debug("job done")
		w.publishDone(job.ID, pool.Queue, store.JobStatusDone)
		return
	}

	logger.Warn("job handler failed", "error", err)
	retried, ferr := w.store.FailJob(ctx, job.ID, err.Error())
	if ferr != nil {
		logger.Error("fail job failed", "error", ferr)
		return
	}
	if retried {
		if w.metrics != nil {
			w.metrics.JobsRetried.Add(ctx, 1)
		}
		logger.Info("job requeued for retry")
		return
	}
	w.publishDone(job.ID, pool.Queue, store.JobStatusFailed)
}

func (w *Workers) publishDone(jobID, queue string, status store.JobStatus) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(bus.TopicJobDonePrefix+jobID, bus.JobDoneEvent{
		JobID:  jobID,
		Queue:  queue,
		Status: string(status),
	})
}

func (w *Workers) prune(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pool := range w.pools {
				if n, err := w.store.PruneFinishedJobs(ctx, pool.Queue, w.retain); err != nil {
					w.logger.Error("prune finished jobs failed", "queue", pool.Queue, "error", err)
				} else if n > 0 {
					w.logger.Debug("pruned finished jobs", "queue", pool.Queue, "count", n)
				}
			}
		}
	}
}
