package taskqueue

import (
	"context"
	"sync"
)

// Outcome is the result of one item passed to Map.
// Skipped is set when the item never started or finished after the queue was cleared.
type Outcome[T any] struct {
	Value   T
	Err     error
	Skipped bool
}

// Map runs items at most limit at a time and returns outcomes in input order.
// Cancelling ctx clears the queue: pending items are skipped and late results discarded.
func Map[T any](ctx context.Context, limit int, items []func(context.Context) (T, error), opts ...Option) []Outcome[T] {
	outcomes := make([]Outcome[T], len(items))
	for i := range outcomes {
		outcomes[i].Skipped = true
	}
	if len(items) == 0 {
		return outcomes
	}

	q := New(ctx, limit, opts...)
	stop := context.AfterFunc(ctx, func() { q.Clear() })
	defer stop()

	var mu sync.Mutex
	for i, item := range items {
		i, item := i, item
		q.Add(func(ctx context.Context) {
			if ctx.Err() != nil {
				return
			}
			value, err := item(ctx)
			if ctx.Err() != nil || q.Cleared() {
				return
			}
			mu.Lock()
			outcomes[i] = Outcome[T]{Value: value, Err: err}
			mu.Unlock()
		})
	}

	q.Wait()
	return outcomes
}
