package models

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is an ephemeral unit of billed asynchronous work, tracked in Redis
// outside the relational ledger. Entries expire 24 hours after creation.
type Task struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	Status    TaskStatus `json:"status"`
	ImageURL  string     `json:"image_url,omitempty"`
	Language  string     `json:"programming_language,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
