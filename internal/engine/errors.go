package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

var (
	// ErrRequestFailed wraps every failure returned by the send capability.
	ErrRequestFailed = errors.New("request failed")
	// ErrNoSender is returned by Send when the runtime has no send capability.
	ErrNoSender = errors.New("no sender configured")
)

// Interruption is the cancellation cause used when a scan is cancelled with a reason.
type Interruption struct {
	Reason string
}

func (i *Interruption) Error() string {
	if i.Reason == "" {
		return "interrupted"
	}
	return i.Reason
}

func (i *Interruption) Unwrap() error {
	return sharedErrors.ErrScanInterrupted
}

// Interrupt builds the cause passed to context.CancelCauseFunc.
func Interrupt(reason string) error {
	return &Interruption{Reason: reason}
}

// InterruptReason extracts the reason a context was cancelled with.
func InterruptReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	var in *Interruption
	if errors.As(cause, &in) {
		return in.Error()
	}
	if cause != nil {
		return cause.Error()
	}
	return "interrupted"
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

// classify maps a step error to a trace error code.
func classify(err error) trace.ErrorCode {
	var p *panicError
	switch {
	case errors.Is(err, ErrRequestFailed):
		return trace.CodeRequestFailed
	case errors.Is(err, sharedErrors.ErrScanInterrupted), errors.Is(err, context.Canceled):
		return trace.CodeInterrupted
	case errors.As(err, &p):
		if _, isErr := p.value.(error); !isErr {
			return trace.CodeUnknownCheckError
		}
		return trace.CodeRuntimeError
	default:
		return trace.CodeRuntimeError
	}
}
