package errors

import "errors"

// Domain errors
var (
	// Check definition errors
	ErrInvalidDefinition = errors.New("invalid check definition")
	ErrUnknownStep       = errors.New("unknown step")
	ErrCheckNotFound     = errors.New("check not found")
	ErrDependencyCycle   = errors.New("dependency cycle between checks")

	// Scan errors
	ErrScanAlreadyRunning = errors.New("scan already running")
	ErrScanInterrupted    = errors.New("scan interrupted")
	ErrRequestNotFound    = errors.New("request not found")
	ErrEmptyTarget        = errors.New("target cannot be empty")

	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrExecutionNotFound = errors.New("check execution not found")

	// Configuration errors
	ErrInvalidConfig  = errors.New("invalid scan configuration")
	ErrPresetNotFound = errors.New("preset not found")

	// Repository errors
	ErrRepositoryOperation   = errors.New("repository operation failed")
	ErrSerializationFailed   = errors.New("serialization failed")
	ErrDeserializationFailed = errors.New("deserialization failed")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
