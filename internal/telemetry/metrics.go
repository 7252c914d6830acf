package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all metric instruments for the orchestration core.
type Metrics struct {
	TurnDuration    metric.Float64Histogram
	TurnIterations  metric.Int64Counter
	LLMCallDuration metric.Float64Histogram
	TokensUsed      metric.Int64Counter
	ToolCallErrors  metric.Int64Counter
	GuardBlocks     metric.Int64Counter
	JobsEnqueued    metric.Int64Counter
	JobsRetried     metric.Int64Counter
	ActiveTurns     metric.Int64UpDownCounter
	TaskFirings     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("quill.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnIterations, err = meter.Int64Counter("quill.turn.iterations",
		metric.WithDescription("Total agent loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("quill.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("quill.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("quill.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.GuardBlocks, err = meter.Int64Counter("quill.guard.blocks",
		metric.WithDescription("Messages blocked by the security guard"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsEnqueued, err = meter.Int64Counter("quill.queue.enqueued",
		metric.WithDescription("Jobs enqueued per logical queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRetried, err = meter.Int64Counter("quill.queue.retries",
		metric.WithDescription("Job retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("quill.turn.active",
		metric.WithDescription("Number of currently active agent turns"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFirings, err = meter.Int64Counter("quill.task.firings",
		metric.WithDescription("Scheduled task firings"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
