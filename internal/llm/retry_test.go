package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeProvider replays a script of errors, then succeeds.
type fakeProvider struct {
	name   string
	errs   []error
	calls  int
	result *Completion
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) SendMessage(ctx context.Context, messages []Message, tools []ToolDef, system string) (*Completion, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Completion{
		Message:    Message{Role: RoleAssistant, Content: "ok"},
		StopReason: StopEndTurn,
	}, nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	inner := &fakeProvider{
		name: "flaky",
		errs: []error{
			errors.New("503 service unavailable"),
			errors.New("request timed out"),
		},
	}
	p := WithRetry(inner, fastPolicy(3))

	completion, err := p.SendMessage(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if completion.Message.Content != "ok" {
		t.Fatalf("content = %q", completion.Message.Content)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryStopsOnFatalError(t *testing.T) {
	inner := &fakeProvider{
		name: "locked-out",
		errs: []error{errors.New("401 unauthorized")},
	}
	p := WithRetry(inner, fastPolicy(5))

	if _, err := p.SendMessage(context.Background(), nil, nil, ""); err == nil {
		t.Fatal("expected auth error")
	}
	if inner.calls != 1 {
		t.Fatalf("fatal error retried: calls = %d, want 1", inner.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &fakeProvider{
		name: "down",
		errs: []error{
			errors.New("connection refused"),
			errors.New("connection refused"),
			errors.New("connection refused"),
		},
	}
	p := WithRetry(inner, fastPolicy(3))

	if _, err := p.SendMessage(context.Background(), nil, nil, ""); err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorClass
	}{
		{"401 unauthorized", ErrorClassAuth},
		{"429 too many requests", ErrorClassRateLimit},
		{"context deadline exceeded", ErrorClassTimeout},
		{"502 bad gateway", ErrorClassServer},
		{"billing hard limit reached", ErrorClassBilling},
		{"this model's maximum context length is 128000 tokens", ErrorClassContextOverflow},
		{"something odd", ErrorClassUnknown},
	}
	for _, c := range cases {
		if got := ClassifyError(errors.New(c.msg)); got != c.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", c.msg, got, c.want)
		}
	}

	for _, class := range []ErrorClass{ErrorClassRateLimit, ErrorClassTimeout, ErrorClassServer} {
		if !IsTransient(class) {
			t.Errorf("IsTransient(%s) = false, want true", class)
		}
	}
	for _, class := range []ErrorClass{ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow, ErrorClassUnknown} {
		if IsTransient(class) {
			t.Errorf("IsTransient(%s) = true, want false", class)
		}
	}
}
