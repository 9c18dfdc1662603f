package model

const (
	TaskStateReady = 1 + iota
	TaskStateLeased
	TaskStateDone
	TaskStateDead
)

// Queue names. Retries of stage work and child-completion notifications run
// on separate queues so a parent with many children is not starved by its
// own retraversal.
const (
	QueueImport = "import"
	QueueNotify = "notify"
	QueueIndex  = "index"
)

// Task is one durable queue entry. The row is written in the same
// transaction as the job state it follows, so a worker can only ever observe
// committed job state.
type Task struct {
	ID            string      `json:"id"`
	Queue         string      `json:"queue"`
	JobID         string      `json:"job_id"`
	Handler       HandlerType `json:"handler"`
	Payload       string      `json:"payload"`
	OwnerID       string      `json:"owner_id"`
	ActorID       string      `json:"actor_id"`
	State         int         `json:"state"`
	RunAt         int64       `json:"run_at"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	BackoffFactor float64     `json:"backoff_factor"`
	MaxBackoffSec int         `json:"max_backoff_sec"`
	Deadline      int64       `json:"deadline"`
	LeaseExpire   int64       `json:"lease_expire"`
	LastError     string      `json:"last_error"`
	Ctime         int64       `json:"ctime"`
	Mtime         int64       `json:"mtime"`
}

// RetryPolicy bounds how a task is re-invoked after transient failure.
type RetryPolicy struct {
	MaxAttempts   int     `json:"max_attempts"`
	BackoffFactor float64 `json:"backoff_factor"`
	MaxBackoffSec int     `json:"max_backoff_sec"`
	DeadlineSec   int64   `json:"deadline_sec"`
}

// DefaultRetryPolicy mirrors the bounds used by the import queues.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   10,
		BackoffFactor: 2.0,
		MaxBackoffSec: 600,
		DeadlineSec:   24 * 3600,
	}
}
