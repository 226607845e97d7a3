// Package queue runs passive checks over captured traffic as it arrives.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/application/scan"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	"github.com/khanhnv2901/seca-scan/internal/taskqueue"
)

// Service schedules one passive scan per enqueued target.
type Service struct {
	orchestrator *scan.Orchestrator
	checks       []*engine.Definition
	config       config.ScanConfig
	handler      event.Handler
	logger       *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	queue       *taskqueue.Queue
	generation  uint64
	tasks       []*session.QueueTask
	runnables   map[string]*scan.Runnable
	subscribers []event.Handler
}

// NewService creates a passive queue. Only passive checks are kept.
func NewService(ctx context.Context, orchestrator *scan.Orchestrator, checks []*engine.Definition, cfg config.ScanConfig, handler event.Handler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	passive := make([]*engine.Definition, 0, len(checks))
	for _, def := range checks {
		if def.Metadata().Type == check.TypePassive {
			passive = append(passive, def)
		}
	}
	s := &Service{
		orchestrator: orchestrator,
		checks:       passive,
		config:       cfg.Clone(),
		handler:      handler,
		logger:       logger,
		ctx:          ctx,
		runnables:    map[string]*scan.Runnable{},
	}
	s.queue = taskqueue.New(ctx, cfg.ConcurrentChecks)
	return s
}

// SessionID is the session ID events of a passive task carry.
func SessionID(taskID string) string {
	return "passive-" + taskID
}

// Subscribe adds a handler for events of tasks that start afterwards.
func (s *Service) Subscribe(h event.Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, h)
}

// Enqueue adds a target. The returned task starts pending.
func (s *Service) Enqueue(target check.Target) session.QueueTask {
	task := &session.QueueTask{
		ID:        uuid.NewString(),
		RequestID: target.ID(),
		Status:    session.TaskPending,
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	q := s.queue
	gen := s.generation
	snapshot := *task
	s.mu.Unlock()

	q.Add(func(ctx context.Context) {
		s.run(ctx, task, target, gen)
	})
	return snapshot
}

// run executes one task. gen is the generation the task was enqueued in; a
// Clear since then means the task is dropped even if its worker already began.
func (s *Service) run(ctx context.Context, task *session.QueueTask, target check.Target, gen uint64) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	handlers := append([]event.Handler{s.handler}, s.subscribers...)
	s.mu.Unlock()

	s.setStatus(task.ID, session.TaskRunning)
	defer s.setStatus(task.ID, session.TaskDone)

	r, err := s.orchestrator.Prepare(scan.RunRequest{
		SessionID: SessionID(task.ID),
		Targets:   []check.Target{target},
		Checks:    s.checks,
		Config:    s.config,
	}, event.Fanout(handlers...))
	if err != nil {
		s.logger.Error("passive scan rejected", zap.String("request", target.ID()), zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("passive task dropped by clear", zap.String("request", target.ID()))
		return
	}
	s.runnables[task.ID] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.runnables, task.ID)
		s.mu.Unlock()
	}()

	if err := r.Start(ctx); err != nil {
		s.logger.Error("passive scan failed to start", zap.String("request", target.ID()), zap.Error(err))
		return
	}
	if _, err := r.Wait(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("passive scan wait", zap.Error(err))
	}
}

func (s *Service) setStatus(id string, status session.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			t.Status = status
			t.UpdatedAt = time.Now().UTC()
		}
	}
}

// List returns every task since the last Clear.
func (s *Service) List() []session.QueueTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.QueueTask, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

// Clear cancels running passive scans and drops every pending task.
// The queue accepts new targets afterwards.
func (s *Service) Clear(ctx context.Context) {
	s.mu.Lock()
	old := s.queue
	running := make([]*scan.Runnable, 0, len(s.runnables))
	for _, r := range s.runnables {
		running = append(running, r)
	}
	s.queue = taskqueue.New(s.ctx, s.config.ConcurrentChecks)
	s.generation++
	s.tasks = nil
	s.mu.Unlock()

	dropped := old.Clear()
	for _, r := range running {
		r.Cancel("Cancelled")
	}
	for _, r := range running {
		if _, err := r.Wait(ctx); err != nil {
			s.logger.Warn("passive scan did not settle", zap.Error(err))
		}
	}
	s.logger.Info("passive queue cleared", zap.Int("dropped", dropped), zap.Int("cancelled", len(running)))
}

// Wait blocks until every queued target has been processed.
func (s *Service) Wait() {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	q.Wait()
}
