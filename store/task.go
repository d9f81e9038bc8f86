package store

// TaskStatus is the lifecycle state of an ingestion task.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	// TaskPartial means some facts committed and some failed.
	TaskPartial TaskStatus = "PARTIAL"
	TaskFailure TaskStatus = "FAILURE"
)

// Task kinds.
const (
	TaskKindConversation = "conversation"
	TaskKindMemory       = "memory"
)

// Task is the persistent record behind an async ingestion job. The row is
// created before the job is enqueued so a task id handed to a client is
// always resolvable.
type Task struct {
	ID        string
	Kind      string
	UserID    string
	ProjectID string
	Status    TaskStatus
	// Payload is the original request body, kept for replay and debugging.
	Payload string
	Error   string
	Added   int32
	Updated int32
	Deleted int32
	Noop    int32
	CreatedTs int64
	UpdatedTs int64
}

// FindTask specifies the conditions for finding tasks.
type FindTask struct {
	ID     *string
	UserID *string
	Status *TaskStatus
	// UpdatedBefore filters tasks stale since the given unix timestamp,
	// used by the drift sweep to find abandoned RUNNING tasks.
	UpdatedBefore *int64
	Limit         int
}

// UpdateTask mutates the task record as the worker progresses.
type UpdateTask struct {
	ID      string
	Status  *TaskStatus
	Error   *string
	Added   *int32
	Updated *int32
	Deleted *int32
	Noop    *int32
	UpdatedTs int64
}
