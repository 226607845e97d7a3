package trace

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// ResultType tells whether a step ended the check or handed over to another step.
type ResultType string

const (
	ResultDone     ResultType = "done"
	ResultContinue ResultType = "continue"
)

// StepRecord is one immutable entry per step invocation.
// States are full JSON snapshots, never diffs.
type StepRecord struct {
	StepName    string          `json:"stepName"`
	StateBefore json.RawMessage `json:"stateBefore"`
	StateAfter  json.RawMessage `json:"stateAfter"`
	Findings    []check.Finding `json:"findings"`
	Result      ResultType      `json:"result"`
	NextStep    string          `json:"nextStep,omitempty"`
}

// Status is the terminal status of a check execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorCode classifies why a check execution failed.
type ErrorCode string

const (
	CodeInterrupted        ErrorCode = "INTERRUPTED"
	CodeRequestNotFound    ErrorCode = "REQUEST_NOT_FOUND"
	CodeScanAlreadyRunning ErrorCode = "SCAN_ALREADY_RUNNING"
	CodeRuntimeError       ErrorCode = "RUNTIME_ERROR"
	CodeUnknownCheckError  ErrorCode = "UNKNOWN_CHECK_ERROR"
	CodeRequestFailed      ErrorCode = "REQUEST_FAILED"
)

// ExecError is the failure captured for a failed execution.
type ExecError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ExecError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// CheckRecord is the ordered step history of one (check, target) pair.
type CheckRecord struct {
	CheckID         string          `json:"checkId"`
	TargetRequestID string          `json:"targetRequestId"`
	Steps           []StepRecord    `json:"steps"`
	Status          Status          `json:"status"`
	FinalOutput     json.RawMessage `json:"finalOutput,omitempty"`
	Error           *ExecError      `json:"error,omitempty"`
}

// Findings returns every finding produced across the record's steps.
func (r CheckRecord) Findings() []check.Finding {
	var out []check.Finding
	for _, s := range r.Steps {
		out = append(out, s.Findings...)
	}
	return out
}

// History is the full execution history of a scan.
type History []CheckRecord

// Marshal returns the JSON form of the history. A nil history encodes as [].
func (h History) Marshal() ([]byte, error) {
	if h == nil {
		h = History{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}
	return data, nil
}

// Encode packs the history as base64 of its JSON form for transport.
func (h History) Encode() (string, error) {
	data, err := h.Marshal()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode reverses Encode.
func Decode(encoded string) (History, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	return Parse(data)
}

// Parse reads the JSON form of a history.
func Parse(data []byte) (History, error) {
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	if h == nil {
		h = History{}
	}
	return h, nil
}

// Summary aggregates a history for inspection tools.
type Summary struct {
	TotalChecks   int `json:"totalChecks"`
	TotalSteps    int `json:"totalSteps"`
	TotalFindings int `json:"totalFindings"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
}

func Summarize(h History) Summary {
	s := Summary{TotalChecks: len(h)}
	for _, rec := range h {
		s.TotalSteps += len(rec.Steps)
		for _, step := range rec.Steps {
			s.TotalFindings += len(step.Findings)
		}
		switch rec.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Find returns the record for a (check, target) pair.
func (h History) Find(checkID, targetRequestID string) (CheckRecord, bool) {
	for _, rec := range h {
		if rec.CheckID == checkID && rec.TargetRequestID == targetRequestID {
			return rec, true
		}
	}
	return CheckRecord{}, false
}
