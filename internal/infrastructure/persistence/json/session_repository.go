package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
	"github.com/khanhnv2901/seca-scan/internal/shared/security"
)

const sessionFileExt = ".json"

// sessionDTO is the data transfer object for JSON serialization
type sessionDTO struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	State       string            `json:"state"`
	Config      config.ScanConfig `json:"config"`
	CheckIDs    []string          `json:"check_ids"`
	RequestIDs  []string          `json:"request_ids"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
	ChecksTotal int               `json:"checks_total"`
	Executions  []executionDTO    `json:"executions"`
	Trace       string            `json:"trace,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type executionDTO struct {
	ID              string          `json:"id"`
	CheckID         string          `json:"check_id"`
	TargetRequestID string          `json:"target_request_id"`
	Status          string          `json:"status"`
	Requests        []requestDTO    `json:"requests_sent"`
	Findings        []check.Finding `json:"findings"`
	StartedAt       string          `json:"started_at,omitempty"`
	FinishedAt      string          `json:"finished_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type requestDTO struct {
	PendingID   string `json:"pending_id"`
	RequestID   string `json:"request_id,omitempty"`
	Status      string `json:"status"`
	SentAt      string `json:"sent_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SessionRepository implements the session.Repository interface using JSON file storage
type SessionRepository struct {
	dir string
	mu  sync.RWMutex
}

// NewSessionRepository creates a new JSON-based session repository storing one file per session
func NewSessionRepository(resultsDir string) (*SessionRepository, error) {
	if resultsDir == "" {
		return nil, fmt.Errorf("results directory cannot be empty")
	}

	dir, err := security.ResolveWithin(resultsDir, "sessions")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions directory: %w", err)
	}
	if err := os.MkdirAll(dir, constants.DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &SessionRepository{dir: dir}, nil
}

// Save persists a session atomically
func (r *SessionRepository) Save(ctx context.Context, s *session.Session) error {
	path, err := security.IdentifierFile(r.dir, s.ID(), sessionFileExt)
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrRepositoryOperation, err)
	}

	data, err := json.MarshalIndent(toDTO(s.Snapshot()), "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tmp, err := os.CreateTemp(r.dir, "."+s.ID()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := os.Chmod(tmpName, constants.DefaultFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID retrieves a session by its ID
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*session.Session, error) {
	path, err := security.IdentifierFile(r.dir, id, sessionFileExt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := loadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FindAll retrieves all sessions, newest first. Unreadable files are skipped.
func (r *SessionRepository) FindAll(ctx context.Context) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := make([]*session.Session, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != sessionFileExt {
			continue
		}
		s, err := loadFromFile(filepath.Join(r.dir, name))
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt().After(sessions[j].CreatedAt())
	})
	return sessions, nil
}

// Delete removes a session by its ID
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	path, err := security.IdentifierFile(r.dir, id, sessionFileExt)
	if err != nil {
		return fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", sharedErrors.ErrSessionNotFound, id)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Helper methods

func loadFromFile(path string) (*session.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sharedErrors.ErrDeserializationFailed, filepath.Base(path), err)
	}
	return fromDTO(dto)
}

func toDTO(snap session.Snapshot) sessionDTO {
	dto := sessionDTO{
		ID:          snap.ID,
		Title:       snap.Title,
		State:       string(snap.State),
		Config:      snap.Config,
		CheckIDs:    snap.CheckIDs,
		RequestIDs:  snap.RequestIDs,
		CreatedAt:   formatTime(snap.CreatedAt),
		StartedAt:   formatTime(snap.StartedAt),
		FinishedAt:  formatTime(snap.FinishedAt),
		ChecksTotal: snap.ChecksTotal,
		Executions:  make([]executionDTO, 0, len(snap.Executions)),
		Trace:       snap.Trace,
		Reason:      snap.Reason,
		Error:       snap.Error,
	}
	for _, e := range snap.Executions {
		edto := executionDTO{
			ID:              e.ID,
			CheckID:         e.CheckID,
			TargetRequestID: e.TargetRequestID,
			Status:          string(e.Status),
			Requests:        make([]requestDTO, 0, len(e.Requests)),
			Findings:        e.Findings,
			StartedAt:       formatTime(e.StartedAt),
			FinishedAt:      formatTime(e.FinishedAt),
			Error:           e.Error,
		}
		for _, req := range e.Requests {
			edto.Requests = append(edto.Requests, requestDTO{
				PendingID:   req.PendingID,
				RequestID:   req.RequestID,
				Status:      string(req.Status),
				SentAt:      formatTime(req.SentAt),
				CompletedAt: formatTime(req.CompletedAt),
				Error:       req.Error,
			})
		}
		dto.Executions = append(dto.Executions, edto)
	}
	return dto
}

func fromDTO(dto sessionDTO) (*session.Session, error) {
	snap := session.Snapshot{
		ID:          dto.ID,
		Title:       dto.Title,
		State:       session.State(dto.State),
		Config:      dto.Config,
		CheckIDs:    dto.CheckIDs,
		RequestIDs:  dto.RequestIDs,
		ChecksTotal: dto.ChecksTotal,
		Trace:       dto.Trace,
		Reason:      dto.Reason,
		Error:       dto.Error,
	}

	var err error
	if snap.CreatedAt, err = parseTime(dto.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse created at time: %w", err)
	}
	if snap.StartedAt, err = parseTime(dto.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started at time: %w", err)
	}
	if snap.FinishedAt, err = parseTime(dto.FinishedAt); err != nil {
		return nil, fmt.Errorf("failed to parse finished at time: %w", err)
	}

	for _, edto := range dto.Executions {
		exec := session.CheckExecution{
			ID:              edto.ID,
			CheckID:         edto.CheckID,
			TargetRequestID: edto.TargetRequestID,
			Status:          session.ExecutionStatus(edto.Status),
			Findings:        edto.Findings,
			Error:           edto.Error,
		}
		if exec.StartedAt, err = parseTime(edto.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to parse execution start: %w", err)
		}
		if exec.FinishedAt, err = parseTime(edto.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to parse execution finish: %w", err)
		}
		for _, rdto := range edto.Requests {
			req := session.SentRequest{
				PendingID: rdto.PendingID,
				RequestID: rdto.RequestID,
				Status:    session.RequestStatus(rdto.Status),
				Error:     rdto.Error,
			}
			if req.SentAt, err = parseTime(rdto.SentAt); err != nil {
				return nil, fmt.Errorf("failed to parse request time: %w", err)
			}
			if req.CompletedAt, err = parseTime(rdto.CompletedAt); err != nil {
				return nil, fmt.Errorf("failed to parse request time: %w", err)
			}
			exec.Requests = append(exec.Requests, req)
		}
		snap.Executions = append(snap.Executions, exec)
	}

	return session.Reconstruct(snap), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
