package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// State is the lifecycle of a scan session.
type State string

const (
	StatePending     State = "pending"
	StateRunning     State = "running"
	StateDone        State = "done"
	StateError       State = "error"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateInterrupted
}

// Session is the aggregate root tracking one scan: its configuration, the
// progress of every check execution and, once finished, the encoded trace.
// It is safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id          string
	title       string
	state       State
	config      config.ScanConfig
	checkIDs    []string
	requestIDs  []string
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time
	checksTotal int
	executions  []*CheckExecution
	index       map[string]*CheckExecution
	byPending   map[string]*CheckExecution
	trace       string
	reason      string
	errMessage  string
}

// NewSession creates a pending session. An empty id is generated.
func NewSession(id, title string, cfg config.ScanConfig, checkIDs, requestIDs []string) (*Session, error) {
	if id == "" {
		id = constants.SessionIDPrefix + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(title) == "" {
		title = "Scan " + now.Format(time.RFC3339)
	}
	return &Session{
		id:         id,
		title:      title,
		state:      StatePending,
		config:     cfg.Clone(),
		checkIDs:   append([]string(nil), checkIDs...),
		requestIDs: append([]string(nil), requestIDs...),
		createdAt:  now,
		index:      map[string]*CheckExecution{},
		byPending:  map[string]*CheckExecution{},
	}, nil
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	State       State             `json:"state"`
	Config      config.ScanConfig `json:"config"`
	CheckIDs    []string          `json:"checkIds"`
	RequestIDs  []string          `json:"requestIds"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	FinishedAt  time.Time         `json:"finishedAt,omitempty"`
	ChecksTotal int               `json:"checksTotal"`
	Executions  []CheckExecution  `json:"executions"`
	Trace       string            `json:"trace,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Reconstruct creates a session from persisted data
func Reconstruct(snap Snapshot) *Session {
	s := &Session{
		id:          snap.ID,
		title:       snap.Title,
		state:       snap.State,
		config:      snap.Config.Clone(),
		checkIDs:    append([]string(nil), snap.CheckIDs...),
		requestIDs:  append([]string(nil), snap.RequestIDs...),
		createdAt:   snap.CreatedAt,
		startedAt:   snap.StartedAt,
		finishedAt:  snap.FinishedAt,
		checksTotal: snap.ChecksTotal,
		trace:       snap.Trace,
		reason:      snap.Reason,
		errMessage:  snap.Error,
		index:       map[string]*CheckExecution{},
		byPending:   map[string]*CheckExecution{},
	}
	for _, e := range snap.Executions {
		exec := e.clone()
		s.executions = append(s.executions, &exec)
		s.index[executionKey(exec.CheckID, exec.TargetRequestID)] = &exec
		for _, r := range exec.Requests {
			if r.Status == RequestPending {
				s.byPending[r.PendingID] = &exec
			}
		}
	}
	return s
}

// Snapshot returns a deep copy suitable for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:          s.id,
		Title:       s.title,
		State:       s.state,
		Config:      s.config.Clone(),
		CheckIDs:    append([]string{}, s.checkIDs...),
		RequestIDs:  append([]string{}, s.requestIDs...),
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
		FinishedAt:  s.finishedAt,
		ChecksTotal: s.checksTotal,
		Executions:  s.executionsLocked(),
		Trace:       s.trace,
		Reason:      s.reason,
		Error:       s.errMessage,
	}
}

// Business methods

// Start marks the session as running
func (s *Session) Start(checksTotal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return s.transitionError(StateRunning)
	}
	s.state = StateRunning
	s.startedAt = time.Now().UTC()
	s.checksTotal = checksTotal
	return nil
}

// StartCheck records that a check began executing against a target.
func (s *Session) StartCheck(checkID, targetRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRunning(); err != nil {
		return err
	}
	exec := s.executionLocked(checkID, targetRequestID)
	if exec.Status != ExecutionPending {
		return fmt.Errorf("%w: execution %s on %s is %s", sharedErrors.ErrInvalidTransition, checkID, targetRequestID, exec.Status)
	}
	exec.Status = ExecutionRunning
	exec.StartedAt = time.Now().UTC()
	return nil
}

// AddRequestSent records a probe leaving for the wire.
func (s *Session) AddRequestSent(checkID, targetRequestID, pendingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRunning(); err != nil {
		return err
	}
	if pendingID == "" {
		return fmt.Errorf("%w: pending request id", sharedErrors.ErrMissingRequired)
	}
	exec := s.executionLocked(checkID, targetRequestID)
	exec.Requests = append(exec.Requests, SentRequest{
		PendingID: pendingID,
		Status:    RequestPending,
		SentAt:    time.Now().UTC(),
	})
	s.byPending[pendingID] = exec
	return nil
}

// CompleteRequest resolves a pending probe with the stored request id.
func (s *Session) CompleteRequest(pendingID, requestID string) error {
	return s.resolveRequest(pendingID, func(r *SentRequest) {
		r.Status = RequestCompleted
		r.RequestID = requestID
	})
}

// FailRequest resolves a pending probe as failed.
func (s *Session) FailRequest(pendingID, errMessage string) error {
	return s.resolveRequest(pendingID, func(r *SentRequest) {
		r.Status = RequestFailed
		r.Error = errMessage
	})
}

func (s *Session) resolveRequest(pendingID string, apply func(*SentRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRunning(); err != nil {
		return err
	}
	exec, ok := s.byPending[pendingID]
	if !ok {
		return fmt.Errorf("%w: pending request %s", sharedErrors.ErrRequestNotFound, pendingID)
	}
	for i := range exec.Requests {
		if exec.Requests[i].PendingID == pendingID {
			apply(&exec.Requests[i])
			exec.Requests[i].CompletedAt = time.Now().UTC()
		}
	}
	delete(s.byPending, pendingID)
	return nil
}

// AddFinding attaches a finding to an execution.
func (s *Session) AddFinding(checkID, targetRequestID string, f check.Finding) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRunning(); err != nil {
		return err
	}
	exec := s.executionLocked(checkID, targetRequestID)
	exec.Findings = append(exec.Findings, f)
	return nil
}

// CompleteCheck marks an execution completed.
func (s *Session) CompleteCheck(checkID, targetRequestID string) error {
	return s.finishCheck(checkID, targetRequestID, ExecutionCompleted, "")
}

// FailCheck marks an execution failed with the captured message.
func (s *Session) FailCheck(checkID, targetRequestID, errMessage string) error {
	return s.finishCheck(checkID, targetRequestID, ExecutionFailed, errMessage)
}

func (s *Session) finishCheck(checkID, targetRequestID string, status ExecutionStatus, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRunning(); err != nil {
		return err
	}
	exec := s.executionLocked(checkID, targetRequestID)
	if exec.Status.Finished() {
		return fmt.Errorf("%w: execution %s on %s already %s", sharedErrors.ErrInvalidTransition, checkID, targetRequestID, exec.Status)
	}
	exec.Status = status
	exec.Error = errMessage
	exec.FinishedAt = time.Now().UTC()
	return nil
}

// Finish marks the session done and stores the encoded trace.
func (s *Session) Finish(encodedTrace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return s.transitionError(StateDone)
	}
	s.terminateLocked(StateDone, encodedTrace)
	return nil
}

// Interrupt marks the session interrupted. Partial results are kept.
func (s *Session) Interrupt(reason, encodedTrace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.transitionError(StateInterrupted)
	}
	s.reason = reason
	s.terminateLocked(StateInterrupted, encodedTrace)
	return nil
}

// Fail marks the session errored.
func (s *Session) Fail(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.transitionError(StateError)
	}
	s.errMessage = message
	s.terminateLocked(StateError, s.trace)
	return nil
}

// AttachTrace stores the encoded trace without changing state.
func (s *Session) AttachTrace(encodedTrace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = encodedTrace
}

// Rename changes the session title.
func (s *Session) Rename(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", sharedErrors.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	return nil
}

func (s *Session) terminateLocked(state State, encodedTrace string) {
	s.state = state
	s.trace = encodedTrace
	s.finishedAt = time.Now().UTC()
}

func (s *Session) requireRunning() error {
	if s.state != StateRunning {
		return fmt.Errorf("%w: session %s is %s", sharedErrors.ErrInvalidTransition, s.id, s.state)
	}
	return nil
}

func (s *Session) transitionError(to State) error {
	return fmt.Errorf("%w: session %s cannot move from %s to %s", sharedErrors.ErrInvalidTransition, s.id, s.state, to)
}

func (s *Session) executionLocked(checkID, targetRequestID string) *CheckExecution {
	key := executionKey(checkID, targetRequestID)
	if exec, ok := s.index[key]; ok {
		return exec
	}
	exec := &CheckExecution{
		ID:              uuid.NewString(),
		CheckID:         checkID,
		TargetRequestID: targetRequestID,
		Status:          ExecutionPending,
		Requests:        []SentRequest{},
		Findings:        []check.Finding{},
	}
	s.executions = append(s.executions, exec)
	s.index[key] = exec
	return exec
}

func (s *Session) executionsLocked() []CheckExecution {
	out := make([]CheckExecution, 0, len(s.executions))
	for _, e := range s.executions {
		out = append(out, e.clone())
	}
	return out
}

// Getters

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Config() config.ScanConfig {
	return s.config.Clone()
}

func (s *Session) CheckIDs() []string {
	return append([]string(nil), s.checkIDs...)
}

func (s *Session) RequestIDs() []string {
	return append([]string(nil), s.requestIDs...)
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt
}

func (s *Session) Trace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trace
}

func (s *Session) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

func (s *Session) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMessage
}

// Executions returns copies of every execution in start order.
func (s *Session) Executions() []CheckExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executionsLocked()
}

// Execution returns one execution by check and target.
func (s *Session) Execution(checkID, targetRequestID string) (CheckExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.index[executionKey(checkID, targetRequestID)]
	if !ok {
		return CheckExecution{}, false
	}
	return exec.clone(), true
}

// Findings returns every finding across executions, most severe first.
func (s *Session) Findings() []check.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []check.Finding
	for _, e := range s.executions {
		out = append(out, e.Findings...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Score() > out[j].Severity.Score()
	})
	return out
}
