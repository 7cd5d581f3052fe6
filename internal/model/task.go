package model

import "time"

// TaskStatus is the lifecycle state of a Task as owned by the coordinator.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Task is a single unit of harvesting work. The coordinator assigns the id
// and owns every field; workers only ever read a Task and report back a
// TaskResult.
type Task struct {
	ID         int64          `json:"id"`
	Batch      string         `json:"batch"`
	ItemID     string         `json:"item_id"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   int            `json:"priority"`
	Screenshot bool           `json:"screenshot,omitempty"`
	Retries    int            `json:"retries"`
	Status     TaskStatus     `json:"status"`
	WorkerID   string         `json:"worker_id,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ErrorType classifies why a task attempt failed, surfaced to the
// coordinator for observability only — retry policy stays worker-local.
type ErrorType string

const (
	ErrorTimeout     ErrorType = "timeout"
	ErrorNetwork     ErrorType = "network"
	ErrorBlocked     ErrorType = "blocked"
	ErrorCaptcha     ErrorType = "captcha"
	ErrorParseError  ErrorType = "parse_error"
)

// TaskResult is what a worker reports back for one processed task.
type TaskResult struct {
	TaskID      int64          `json:"task_id"`
	WorkerID    string         `json:"worker_id"`
	Success     bool           `json:"success"`
	Result      map[string]any `json:"result,omitempty"`
	ErrorType   ErrorType      `json:"error_type,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}
