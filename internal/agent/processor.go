package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quiethour/quill/internal/bus"
	"github.com/quiethour/quill/internal/queue"
	"github.com/quiethour/quill/internal/store"
)

// NewJobHandler adapts the Runner to the agent queue: it unmarshals the
// request payload, streams narration to the job's progress topic, and writes
// the result back as the job payload. Callers awaiting the job read the
// result from the job record.
func NewJobHandler(runner *Runner, eventBus *bus.Bus, logger *slog.Logger) queue.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *store.Job) (string, error) {
		var req Request
		if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
			return "", fmt.Errorf("unmarshal agent job: %w", err)
		}

		progress := func(text string) {
			if eventBus == nil {
				return
			}
			eventBus.Publish(bus.TopicJobProgressPrefix+job.ID, bus.JobProgressEvent{
				JobID: job.ID,
				Text:  text,
			})
		}

		result, err := runner.Run(ctx, req, progress)
		if err != nil {
			return "", err
		}
		data, merr := json.Marshal(result)
		if merr != nil {
			return "", fmt.Errorf("marshal agent result: %w", merr)
		}
		return string(data), nil
	}
}
