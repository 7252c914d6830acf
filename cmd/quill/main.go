// Command quill runs the personal assistant daemon: the agent loop, job
// queues, scheduler, and channel adapters in one process, or a tool-only
// worker with -worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quiethour/quill/internal/agent"
	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/channels"
	"github.com/quiethour/quill/internal/config"
	"github.com/quiethour/quill/internal/guard"
	"github.com/quiethour/quill/internal/llm"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/scheduler"
	"github.com/quiethour/quill/internal/skills"
	"github.com/quiethour/quill/internal/store"
	"github.com/quiethour/quill/internal/telemetry"
	"github.com/quiethour/quill/internal/tools"
)

func main() {
	home := flag.String("home", "", "data directory (default: $QUILL_HOME or ~/.quill)")
	workerMode := flag.Bool("worker", false, "consume only the tool queue (horizontal tool scaling)")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *home, *workerMode, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "quill:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, home string, workerMode, quiet bool) error {
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if cfg.WorkerMode {
		workerMode = true
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	otelProvider, err := telemetry.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(store.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eventBus := bus.New()
	q := queue.New(st, eventBus, cfg.Queue.MaxAttempts, cfg.PollInterval(), metrics)

	registry := skills.NewRegistry(cfg.Skills.Dir, eventBus, logger)
	if err := registry.Initialize(ctx); err != nil {
		return fmt.Errorf("init skills: %w", err)
	}
	executor := skills.NewSubprocessExecutor(registry, filepath.Join(cfg.HomeDir, "workspace"), logger)

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	pools := []queue.PoolConfig{
		{
			Queue:   queue.QueueTool,
			Workers: cfg.Queue.ToolWorkers,
			Handler: tools.NewToolJobHandler(executor, eventBus, logger),
		},
	}

	var sched *scheduler.Scheduler
	var tg *channels.TelegramChannel
	if !workerMode {
		sched = scheduler.New(st, q, time.Duration(cfg.Agent.ProactiveDelayMinutes)*time.Minute, logger)

		g := guard.New(provider, guard.Options{
			Enabled:       cfg.Guard.Enabled,
			EchoThreshold: cfg.Guard.EchoThreshold,
			MinInputLen:   cfg.Guard.MinInputChars,
			MinOutputLen:  cfg.Guard.MinOutputChars,
			CacheTTL:      time.Duration(cfg.Guard.CacheTTLSeconds) * time.Second,
			CacheSize:     cfg.Guard.CacheSize,
			Logger:        logger,
		})

		dispatcher := tools.NewDispatcher(q, eventBus, logger)
		localTools := append(cfg.Skills.LocalTools, registry.LocalToolNames()...)
		router := tools.NewRouter(st, registry, sched, executor, localTools, logger)

		runner := agent.NewRunner(provider, st, g, router, dispatcher, registry, sched, logger, metrics, agent.Options{
			MaxIterations:    cfg.Agent.MaxIterations,
			MaxContinuations: cfg.Agent.MaxContinuations,
			BreakerThreshold: cfg.Agent.BreakerThreshold,
			MaxInputChars:    cfg.Agent.MaxInputChars,
			HistoryLimit:     cfg.Agent.HistoryLimit,
			Persona:          cfg.Persona,
			ProactiveEnabled: cfg.Agent.ProactiveEnabled,
		})
		lifecycle := scheduler.NewLifecycle(st, q, sched, provider, eventBus, logger, metrics)

		pools = append(pools,
			queue.PoolConfig{
				Queue:   queue.QueueAgent,
				Workers: cfg.Queue.AgentWorkers,
				Handler: agent.NewJobHandler(runner, eventBus, logger),
			},
			queue.PoolConfig{
				Queue:   queue.QueueSchedule,
				Workers: cfg.Queue.ScheduleWorkers,
				Handler: lifecycle.Handler(),
			},
		)

		if cfg.Channels.Telegram.Enabled {
			if cfg.Channels.Telegram.Token == "" {
				return fmt.Errorf("telegram enabled but no token configured")
			}
			tg = channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				q, eventBus, sched, logger,
			)
		}
	}

	workers := queue.NewWorkers(st, eventBus, pools, queue.WorkersOptions{
		PollInterval: cfg.PollInterval(),
		JobTimeout:   time.Duration(cfg.Queue.TaskTimeoutSeconds) * time.Second,
		Retain:       cfg.Queue.RetainFinished,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	if !workerMode {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}

		skillWatcher := skills.NewWatcher(registry, cfg.Skills.Dir, logger)
		if err := skillWatcher.Start(ctx); err != nil {
			logger.Warn("skill watcher unavailable", "error", err)
		}

		cfgWatcher := config.NewWatcher(cfg.HomeDir, cfg.Agent.PersonaFile, logger)
		if err := cfgWatcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			go func() {
				for ev := range cfgWatcher.Events() {
					// Persona is re-read per turn; config.yaml changes need
					// a restart.
					if filepath.Base(ev.Path) == "config.yaml" {
						logger.Warn("config.yaml changed; restart to apply")
					}
				}
			}()
		}

		if tg != nil {
			go func() {
				if err := tg.Run(ctx); err != nil {
					logger.Error("telegram channel stopped", "error", err)
				}
			}()
		}
	}

	mode := "daemon"
	if workerMode {
		mode = "tool worker"
	}
	logger.Info("quill started", "mode", mode, "home", cfg.HomeDir)

	<-ctx.Done()
	logger.Info("shutting down")
	workers.Wait()
	return nil
}

// buildProvider assembles the LLM stack: each configured instance wrapped in
// transient-failure retry, all instances pooled behind round-robin failover.
func buildProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	if len(cfg.LLM.Instances) == 0 {
		return nil, fmt.Errorf("no llm instances configured")
	}
	retry := llm.RetryPolicy{
		Attempts: cfg.LLM.RetryAttempts,
		Base:     time.Duration(cfg.LLM.RetryBaseSeconds) * time.Second,
		Max:      time.Duration(cfg.LLM.RetryMaxSeconds) * time.Second,
	}
	instances := make([]llm.Provider, 0, len(cfg.LLM.Instances))
	for _, inst := range cfg.LLM.Instances {
		p := llm.NewOpenAIProvider(llm.OpenAIOptions{
			Name:      inst.Name,
			BaseURL:   inst.BaseURL,
			APIKey:    inst.APIKey,
			Model:     inst.Model,
			MaxTokens: inst.MaxTokens,
		})
		instances = append(instances, llm.WithRetry(p, retry))
	}
	return llm.NewPool(instances, llm.PoolOptions{
		Threshold: cfg.LLM.FailoverThreshold,
		Cooldown:  time.Duration(cfg.LLM.FailoverCooldownSeconds) * time.Second,
		Logger:    logger,
	})
}
