// Package writebehind batches session saves while a scan runs.
//
// Every Schedule call for a session arms at most one timer. When it fires the
// session is saved with whatever state it has at that moment, so a burst of
// events costs a single write. Flush saves immediately and cancels the timer.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("write-behind queue closed")

type entry struct {
	session *session.Session
	timer   *time.Timer
}

// Queue delays repository writes per session.
type Queue struct {
	repo   session.Repository
	delay  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
	wg      sync.WaitGroup

	// saveMu keeps snapshot-then-write sequences from interleaving.
	saveMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithDelay overrides the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.delay = d
		}
	}
}

// WithLogger sets the logger used for failed background saves.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a queue in front of repo.
func New(repo session.Repository, opts ...Option) *Queue {
	q := &Queue{
		repo:    repo,
		delay:   constants.SessionFlushDelay,
		logger:  zap.NewNop(),
		pending: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule arranges for s to be saved after the delay. Calls made while a save
// is already scheduled for the same session are absorbed.
func (q *Queue) Schedule(s *session.Session) {
	id := s.ID()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if e, ok := q.pending[id]; ok {
		e.session = s
		return
	}
	e := &entry{session: s}
	q.wg.Add(1)
	e.timer = time.AfterFunc(q.delay, func() {
		defer q.wg.Done()
		q.fire(id)
	})
	q.pending[id] = e
}

func (q *Queue) fire(id string) {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	if err := q.save(context.Background(), e.session); err != nil {
		q.logger.Warn("deferred session save failed", zap.String("session", id), zap.Error(err))
	}
}

// Flush cancels any scheduled save for s and saves it now.
func (q *Queue) Flush(ctx context.Context, s *session.Session) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.cancelLocked(s.ID())
	q.mu.Unlock()

	return q.save(ctx, s)
}

// Pending reports how many sessions wait for a deferred save.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, saves every pending session and waits for
// in-flight deferred saves.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	remaining := make([]*session.Session, 0, len(q.pending))
	for id, e := range q.pending {
		remaining = append(remaining, e.session)
		q.cancelLocked(id)
	}
	q.mu.Unlock()

	var errs []error
	for _, s := range remaining {
		if err := q.save(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (q *Queue) cancelLocked(id string) {
	e, ok := q.pending[id]
	if !ok {
		return
	}
	delete(q.pending, id)
	if e.timer.Stop() {
		q.wg.Done()
	}
}

func (q *Queue) save(ctx context.Context, s *session.Session) error {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	return q.repo.Save(ctx, s)
}
