package bus

// Delivery event topics, consumed by channel adapters.
const (
	TopicNotifySend    = "notify.send"
	TopicFileSend      = "file.send"
	TopicProactiveSend = "proactive.send"
)

// Job lifecycle topic prefixes. The job id is appended, e.g. "job.done.<id>".
const (
	TopicJobDonePrefix     = "job.done."
	TopicJobProgressPrefix = "job.progress."
)

// Cooperative tool cancellation topic prefix, scoped by correlation id.
// Long-running remote executors subscribe and self-terminate on receipt.
const TopicToolCancelPrefix = "tool.cancel."

// Skill registration sync topic for multi-process deployments.
const TopicSkillRegistered = "skill.registered"

// OriginLocal marks bus events produced by this process, letting subscribers
// skip echoes of their own publications.
const OriginLocal = "local"

// Task lifecycle topics.
const (
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskPaused    = "task.paused"
)

// NotifyEvent carries a user-facing notification to channel adapters.
// An empty UserID means broadcast to all allowed recipients of the channel;
// an empty Channel means every adapter may deliver it.
type NotifyEvent struct {
	UserID  string `json:"user_id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// FileEvent carries produced file paths to channel adapters for delivery.
type FileEvent struct {
	UserID  string   `json:"user_id,omitempty"`
	Channel string   `json:"channel,omitempty"`
	Paths   []string `json:"paths"`
}

// ProactiveEvent carries an unprompted follow-up message.
type ProactiveEvent struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// JobDoneEvent signals that a queue job reached a terminal state.
type JobDoneEvent struct {
	JobID  string `json:"job_id"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

// JobProgressEvent carries intermediate worker output to the original caller.
type JobProgressEvent struct {
	JobID string `json:"job_id"`
	Text  string `json:"text"`
}

// SkillRegisteredEvent announces a newly discovered or created skill so other
// processes can register it. Re-registration must be idempotent.
type SkillRegisteredEvent struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Origin  string `json:"origin"` // process identifier, for log correlation
}

// TaskEvent is published on task lifecycle transitions.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
