package session

import "time"

// TaskStatus is the state of a target waiting in a scan or passive queue.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
)

// QueueTask tracks one target through a queue.
type QueueTask struct {
	ID        string     `json:"id"`
	RequestID string     `json:"requestId"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
