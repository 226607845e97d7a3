// Package taskqueue runs units of work with a bounded parallelism ceiling.
//
// Items start in submission order. Clear stops pending items from ever
// starting; items already running are left to finish and callers decide
// whether to keep their results.
package taskqueue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Func is a unit of work. It receives the queue's context.
type Func func(ctx context.Context)

// Queue orchestrates the execution of work items with concurrency and optional rate limiting.
type Queue struct {
	ctx     context.Context
	limit   int
	limiter *rate.Limiter
	onPanic func(any)

	mu      sync.Mutex
	pending []Func
	running int
	started int
	cleared bool
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithRateLimit makes every item wait on a token bucket before it starts.
func WithRateLimit(rps float64, burst int) Option {
	return func(q *Queue) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPanicHandler receives the value of a recovered panic from an item.
func WithPanicHandler(fn func(any)) Option {
	return func(q *Queue) { q.onPanic = fn }
}

// New creates a queue running at most limit items at once. A limit below 1 is treated as 1.
func New(ctx context.Context, limit int, opts ...Option) *Queue {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit < 1 {
		limit = 1
	}
	q := &Queue{ctx: ctx, limit: limit}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues fn. It returns false once the queue has been cleared.
func (q *Queue) Add(fn Func) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cleared {
		return false
	}
	q.wg.Add(1)
	q.pending = append(q.pending, fn)
	q.pumpLocked()
	return true
}

func (q *Queue) pumpLocked() {
	for !q.cleared && q.running < q.limit && len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.running++
		q.started++
		go q.run(fn)
	}
}

func (q *Queue) run(fn Func) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(r)
		}
		q.mu.Lock()
		q.running--
		q.pumpLocked()
		q.mu.Unlock()
		q.wg.Done()
	}()

	if q.limiter != nil {
		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}
	}
	fn(q.ctx)
}

// Clear drops every pending item and returns how many were dropped.
// Running items are not interrupted. Subsequent Add calls are rejected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleared = true
	dropped := len(q.pending)
	for range q.pending {
		q.wg.Done()
	}
	q.pending = nil
	return dropped
}

// Cleared reports whether Clear has been called.
func (q *Queue) Cleared() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleared
}

// Wait blocks until every started item returned and nothing is pending.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int
	Running int
	Started int
	Limit   int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Running: q.running, Started: q.started, Limit: q.limit}
}
