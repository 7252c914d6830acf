package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// breaker tracks consecutive failures for one pool instance.
type breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	tripped     bool
}

func (b *breaker) recordFailure(threshold int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= threshold {
		b.tripped = true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
}

// available reports whether the instance may be tried. A tripped breaker
// re-opens for a single probe once the cooldown has elapsed.
func (b *breaker) available(cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return true
	}
	if time.Since(b.lastFailure) >= cooldown {
		b.tripped = false
		b.failures = 0
		return true
	}
	return false
}

// Pool distributes calls round-robin across instances and fails over when an
// instance errors. Each instance carries a circuit breaker so a persistently
// failing endpoint is skipped until its cooldown expires.
type Pool struct {
	instances []Provider
	breakers  []*breaker
	next      atomic.Uint64

	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

// PoolOptions tunes failover behavior.
type PoolOptions struct {
	Threshold int           // consecutive failures before tripping; default 5
	Cooldown  time.Duration // skip duration after tripping; default 5m
	Logger    *slog.Logger
}

func NewPool(instances []Provider, opts PoolOptions) (*Pool, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("llm pool: no instances configured")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	breakers := make([]*breaker, len(instances))
	for i := range breakers {
		breakers[i] = &breaker{}
	}
	return &Pool{
		instances: instances,
		breakers:  breakers,
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		logger:    opts.Logger,
	}, nil
}

func (p *Pool) Name() string { return "pool" }

// SendMessage tries each instance at most once, starting from the round-robin
// cursor and skipping tripped breakers. A context-overflow error returns
// immediately: a prompt too large for one instance's window will not shrink
// by switching endpoints of the same model class.
func (p *Pool) SendMessage(ctx context.Context, messages []Message, tools []ToolDef, system string) (*Completion, error) {
	start := int(p.next.Add(1)-1) % len(p.instances)

	var lastErr error
	skipped := 0
	for i := 0; i < len(p.instances); i++ {
		idx := (start + i) % len(p.instances)
		inst := p.instances[idx]
		br := p.breakers[idx]

		if !br.available(p.cooldown) {
			skipped++
			continue
		}

		completion, err := inst.SendMessage(ctx, messages, tools, system)
		if err == nil {
			br.recordSuccess()
			return completion, nil
		}

		class := ClassifyError(err)
		if class == ErrorClassContextOverflow {
			return nil, fmt.Errorf("context overflow on %s: %w", inst.Name(), err)
		}

		br.recordFailure(p.threshold)
		lastErr = err
		p.logger.Warn("llm instance failed, trying next",
			"instance", inst.Name(),
			"error_class", string(class),
			"error", err,
		)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("llm pool: all %d instances tripped", skipped)
	}
	return nil, fmt.Errorf("llm pool: all instances failed: %w", lastErr)
}
