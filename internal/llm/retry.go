package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds transient-failure retries of a single call.
type RetryPolicy struct {
	Attempts int           // total attempts including the first; default 3
	Base     time.Duration // initial backoff delay; default 1s
	Max      time.Duration // backoff ceiling; default 30s
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Base <= 0 {
		p.Base = 1 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	return p
}

type retryProvider struct {
	inner  Provider
	policy RetryPolicy
}

// WithRetry wraps a provider so transient failures (timeouts, rate limits,
// 5xx) are retried with exponential backoff. Fatal classes propagate on the
// first occurrence.
func WithRetry(inner Provider, policy RetryPolicy) Provider {
	return &retryProvider{inner: inner, policy: policy.withDefaults()}
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolDef, system string) (*Completion, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.Base
	bo.MaxInterval = r.policy.Max
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var result *Completion
	attempt := 0
	op := func() error {
		attempt++
		completion, err := r.inner.SendMessage(ctx, messages, tools, system)
		if err == nil {
			result = completion
			return nil
		}
		class := ClassifyError(err)
		if !IsTransient(class) {
			return backoff.Permanent(err)
		}
		slog.Warn("llm call failed, will retry",
			"provider", r.inner.Name(),
			"attempt", attempt,
			"error_class", string(class),
			"error", err,
		)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.policy.Attempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
