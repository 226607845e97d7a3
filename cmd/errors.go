package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// ScanOutcomeError reports a scan that ended in a state other than done.
type ScanOutcomeError struct {
	SessionID string
	State     session.State
	Reason    string
}

func (e *ScanOutcomeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("session %s ended %s: %s", e.SessionID, e.State, e.Reason)
	}
	return fmt.Sprintf("session %s ended %s", e.SessionID, e.State)
}

// TargetFetchError signals that a target URL could not be captured.
type TargetFetchError struct {
	URL string
	Err error
}

func (e *TargetFetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *TargetFetchError) Unwrap() error { return e.Err }

// exitCode maps errors onto process exit codes: 2 for usage problems,
// 3 for missing sessions or checks, 130 for interrupted scans.
func exitCode(err error) int {
	var outcome *ScanOutcomeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &outcome) && outcome.State == session.StateInterrupted:
		return 130
	case errors.Is(err, sharedErrors.ErrSessionNotFound),
		errors.Is(err, sharedErrors.ErrCheckNotFound),
		errors.Is(err, sharedErrors.ErrPresetNotFound):
		return 3
	case isUsageError(err):
		return 2
	default:
		return 1
	}
}

func isUsageError(err error) bool {
	if errors.Is(err, sharedErrors.ErrInvalidInput) || errors.Is(err, sharedErrors.ErrInvalidConfig) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
