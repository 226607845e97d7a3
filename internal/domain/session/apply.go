package session

import (
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

// Apply folds one orchestrator event into the session.
// Events that carry no session state, such as SessionCreated, are ignored.
func Apply(s *Session, e event.Event) error {
	switch e.Kind {
	case event.SessionStarted:
		return s.Start(e.ChecksTotal)
	case event.CheckStarted:
		return s.StartCheck(e.CheckID, e.TargetRequestID)
	case event.RequestSent:
		return s.AddRequestSent(e.CheckID, e.TargetRequestID, e.PendingRequestID)
	case event.RequestCompleted:
		return s.CompleteRequest(e.PendingRequestID, e.RequestID)
	case event.RequestFailed:
		return s.FailRequest(e.PendingRequestID, e.Error)
	case event.FindingAdded:
		if e.Finding == nil {
			return nil
		}
		return s.AddFinding(e.CheckID, e.TargetRequestID, *e.Finding)
	case event.CheckCompleted:
		return s.CompleteCheck(e.CheckID, e.TargetRequestID)
	case event.CheckFailed:
		return s.FailCheck(e.CheckID, e.TargetRequestID, e.Error)
	case event.SessionFinished:
		return s.Finish(e.Trace)
	case event.SessionInterrupted:
		return s.Interrupt(e.Reason, e.Trace)
	case event.SessionErrored:
		if e.Trace != "" {
			s.AttachTrace(e.Trace)
		}
		return s.Fail(e.Error)
	}
	return nil
}
