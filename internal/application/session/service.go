package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/application/scan"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// CheckSource resolves check IDs into definitions.
type CheckSource interface {
	Lookup(ids ...string) ([]*engine.Definition, error)
}

// TargetSource resolves stored request IDs into targets for reruns.
type TargetSource interface {
	Targets(ctx context.Context, requestIDs []string) ([]check.Target, error)
}

// Writer persists sessions while they change. Schedule may defer the write;
// Flush writes immediately.
type Writer interface {
	Schedule(s *session.Session)
	Flush(ctx context.Context, s *session.Session) error
}

// StartRequest describes an active scan to start.
type StartRequest struct {
	Title    string
	Targets  []check.Target
	CheckIDs []string
	Config   config.ScanConfig
}

// Service provides application-level session operations
type Service struct {
	repo         session.Repository
	writer       Writer
	orchestrator *scan.Orchestrator
	checks       CheckSource
	targets      TargetSource
	logger       *zap.Logger

	mu          sync.RWMutex
	live        map[string]*session.Session
	runnables   map[string]*scan.Runnable
	subscribers []event.Handler
}

// Option configures a Service.
type Option func(*Service)

func WithWriter(w Writer) Option {
	return func(s *Service) { s.writer = w }
}

func WithTargetSource(ts TargetSource) Option {
	return func(s *Service) { s.targets = ts }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a new session service
func NewService(repo session.Repository, orchestrator *scan.Orchestrator, checks CheckSource, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		orchestrator: orchestrator,
		checks:       checks,
		logger:       zap.NewNop(),
		live:         map[string]*session.Session{},
		runnables:    map[string]*scan.Runnable{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a handler receiving every event of every scan started afterwards.
func (s *Service) Subscribe(h event.Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, h)
}

// StartScan creates a session and starts scanning it in the background.
// The scan outlives ctx; use Cancel to stop it.
func (s *Service) StartScan(ctx context.Context, req StartRequest) (*session.Session, *scan.Runnable, error) {
	defs, err := s.checks.Lookup(req.CheckIDs...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve checks: %w", err)
	}
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID())
	}
	requestIDs := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		if t.Request != nil {
			requestIDs = append(requestIDs, t.ID())
		}
	}

	sess, err := session.NewSession("", req.Title, req.Config, ids, requestIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.mu.Lock()
	s.live[sess.ID()] = sess
	handler := event.Fanout(append([]event.Handler{s.projector(sess)}, s.subscribers...)...)
	s.mu.Unlock()

	runnable, err := s.orchestrator.Prepare(scan.RunRequest{
		SessionID: sess.ID(),
		Targets:   req.Targets,
		Checks:    defs,
		Config:    req.Config,
	}, handler)
	if err != nil {
		return sess, runnable, fmt.Errorf("failed to prepare scan: %w", err)
	}

	s.mu.Lock()
	s.runnables[sess.ID()] = runnable
	s.mu.Unlock()

	if err := runnable.Start(context.WithoutCancel(ctx)); err != nil {
		return sess, runnable, fmt.Errorf("failed to start scan: %w", err)
	}
	s.logger.Info("scan started",
		zap.String("session", sess.ID()),
		zap.Int("checks", len(defs)),
		zap.Int("targets", len(requestIDs)),
		zap.Int("planned", runnable.Planned()))
	return sess, runnable, nil
}

// projector folds events into the live session and persists it.
func (s *Service) projector(sess *session.Session) event.Handler {
	return func(e event.Event) {
		if err := session.Apply(sess, e); err != nil {
			s.logger.Debug("event not applied", zap.String("session", sess.ID()), zap.String("kind", string(e.Kind)), zap.Error(err))
		}
		if !e.Kind.Terminal() {
			if s.writer != nil {
				s.writer.Schedule(sess)
			}
			return
		}

		ctx := context.Background()
		var err error
		if s.writer != nil {
			err = s.writer.Flush(ctx, sess)
		} else {
			err = s.repo.Save(ctx, sess)
		}
		if err != nil {
			s.logger.Error("failed to persist finished session", zap.String("session", sess.ID()), zap.Error(err))
		}

		s.mu.Lock()
		delete(s.live, sess.ID())
		delete(s.runnables, sess.ID())
		s.mu.Unlock()
	}
}

// GetSession returns a running or stored session.
func (s *Service) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	sess, ok := s.live[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns stored and running sessions, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]*session.Session, error) {
	stored, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	s.mu.RLock()
	byID := make(map[string]*session.Session, len(stored)+len(s.live))
	for _, sess := range stored {
		byID[sess.ID()] = sess
	}
	for id, sess := range s.live {
		byID[id] = sess
	}
	s.mu.RUnlock()

	out := make([]*session.Session, 0, len(byID))
	for _, sess := range byID {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out, nil
}

// DeleteSession removes a finished session.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	s.mu.RLock()
	_, running := s.runnables[id]
	s.mu.RUnlock()
	if running {
		return fmt.Errorf("failed to delete session %s: %w", id, sharedErrors.ErrScanAlreadyRunning)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// RenameSession updates a session title.
func (s *Service) RenameSession(ctx context.Context, id, title string) (*session.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Rename(title); err != nil {
		return nil, fmt.Errorf("failed to rename session: %w", err)
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// CancelSession interrupts a running scan and waits for it to settle.
func (s *Service) CancelSession(ctx context.Context, id, reason string) error {
	s.mu.RLock()
	runnable, ok := s.runnables[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no running scan %s", sharedErrors.ErrSessionNotFound, id)
	}
	if reason == "" {
		reason = "Cancelled"
	}
	runnable.Cancel(reason)
	if _, err := runnable.Wait(ctx); err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	return nil
}

// Runnable returns the live runnable of a running session.
func (s *Service) Runnable(id string) (*scan.Runnable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runnables[id]
	return r, ok
}

// RerunSession starts a new session with the requests, checks and config of an earlier one.
func (s *Service) RerunSession(ctx context.Context, id string) (*session.Session, *scan.Runnable, error) {
	if s.targets == nil {
		return nil, nil, errors.New("rerun requires a target source")
	}
	prev, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	targets, err := s.targets.Targets(ctx, prev.RequestIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load targets: %w", err)
	}
	return s.StartScan(ctx, StartRequest{
		Title:    prev.Title() + " (rerun)",
		Targets:  targets,
		CheckIDs: prev.CheckIDs(),
		Config:   prev.Config(),
	})
}

// Shutdown cancels every running scan.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	running := make([]*scan.Runnable, 0, len(s.runnables))
	for _, r := range s.runnables {
		running = append(running, r)
	}
	s.mu.RUnlock()

	for _, r := range running {
		r.Cancel("shutdown")
	}
	var errs []error
	for _, r := range running {
		if _, err := r.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
