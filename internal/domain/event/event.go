package event

import (
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
)

// Kind names an orchestrator event.
type Kind string

const (
	SessionCreated     Kind = "sessionCreated"
	SessionStarted     Kind = "sessionStarted"
	CheckStarted       Kind = "checkStarted"
	RequestSent        Kind = "requestSent"
	RequestCompleted   Kind = "requestCompleted"
	RequestFailed      Kind = "requestFailed"
	FindingAdded       Kind = "findingAdded"
	CheckCompleted     Kind = "checkCompleted"
	CheckFailed        Kind = "checkFailed"
	SessionFinished    Kind = "sessionFinished"
	SessionInterrupted Kind = "sessionInterrupted"
	SessionErrored     Kind = "sessionErrored"
)

// Terminal reports whether the event ends a session.
func (k Kind) Terminal() bool {
	switch k {
	case SessionFinished, SessionInterrupted, SessionErrored:
		return true
	}
	return false
}

// Event is emitted incrementally while a scan runs. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`

	CheckID         string `json:"checkId,omitempty"`
	TargetRequestID string `json:"targetRequestId,omitempty"`

	// RequestSent / RequestCompleted / RequestFailed
	PendingRequestID string `json:"pendingRequestId,omitempty"`
	RequestID        string `json:"requestId,omitempty"`

	Finding *check.Finding `json:"finding,omitempty"`

	// SessionStarted
	ChecksTotal int `json:"checksTotal,omitempty"`

	// Failures and interruptions
	ErrorCode string `json:"errorCode,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Terminal session events carry the encoded execution trace.
	Trace string `json:"trace,omitempty"`
}

// Handler consumes events. Handlers must not block for long; they run on the scan's goroutines.
type Handler func(Event)

// Fanout returns a handler delivering every event to each non-nil handler in order.
func Fanout(handlers ...Handler) Handler {
	live := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			live = append(live, h)
		}
	}
	return func(e Event) {
		for _, h := range live {
			h(e)
		}
	}
}
