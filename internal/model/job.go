package model

const (
	JobTypeRoot = 1 + iota
	JobTypeChild
	// JobTypeDelete is reserved for content removal flows; nothing creates
	// one today.
	JobTypeDelete
)

const (
	JobStatePreStart = 1 + iota
	JobStateRunning
	JobStateCompletedSuccessfully
	JobStateStoppedByError
	JobStateStoppedByRequest
	JobStateWaitingToRetry
)

// HandlerType selects the function a queue invocation dispatches to. The set
// is closed: the dispatch table is built at startup and unknown values stop
// the job.
type HandlerType int

const (
	HandlerBatchImport HandlerType = 1 + iota
	HandlerResourceImport
	HandlerSearchIndex
)

// Identity is the acting (owner, actor) pair stamped on every job and task.
// It is always passed explicitly; nothing is read from ambient request state.
type Identity struct {
	OwnerID string `json:"owner_id"`
	ActorID string `json:"actor_id"`
}

type Job struct {
	ID          string      `json:"id"`
	Type        int         `json:"type"`
	State       int         `json:"state"`
	Handler     HandlerType `json:"handler"`
	PayloadRef  string      `json:"payload_ref"`
	ParentJobID string      `json:"parent_job_id,omitempty"`
	RootJobID   string      `json:"root_job_id,omitempty"`
	OwnerID     string      `json:"owner_id"`
	ActorID     string      `json:"actor_id"`
	Ctime       int64       `json:"ctime"`
	Mtime       int64       `json:"mtime"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return JobStateTerminal(j.State)
}

func JobStateTerminal(state int) bool {
	switch state {
	case JobStateCompletedSuccessfully, JobStateStoppedByError, JobStateStoppedByRequest:
		return true
	}
	return false
}

type JobLogEntry struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Ts    int64  `json:"ts"`
	Note  string `json:"note"`
}
