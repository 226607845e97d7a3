package session

import (
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
)

// ExecutionStatus is the lifecycle of one (check, target) execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Finished reports whether the status is terminal.
func (s ExecutionStatus) Finished() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// RequestStatus is the lifecycle of a probe sent by a check.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// SentRequest tracks one probe.
type SentRequest struct {
	PendingID   string        `json:"pendingId"`
	RequestID   string        `json:"requestId,omitempty"`
	Status      RequestStatus `json:"status"`
	SentAt      time.Time     `json:"sentAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// CheckExecution is the progress view of one check running against one target.
type CheckExecution struct {
	ID              string          `json:"id"`
	CheckID         string          `json:"checkId"`
	TargetRequestID string          `json:"targetRequestId"`
	Status          ExecutionStatus `json:"status"`
	Requests        []SentRequest   `json:"requestsSent"`
	Findings        []check.Finding `json:"findings"`
	StartedAt       time.Time       `json:"startedAt,omitempty"`
	FinishedAt      time.Time       `json:"finishedAt,omitempty"`
	Error           string          `json:"error,omitempty"`
}

func (e *CheckExecution) clone() CheckExecution {
	out := *e
	out.Requests = append([]SentRequest(nil), e.Requests...)
	out.Findings = append([]check.Finding(nil), e.Findings...)
	if out.Requests == nil {
		out.Requests = []SentRequest{}
	}
	if out.Findings == nil {
		out.Findings = []check.Finding{}
	}
	return out
}

func executionKey(checkID, targetRequestID string) string {
	return checkID + "\x00" + targetRequestID
}
