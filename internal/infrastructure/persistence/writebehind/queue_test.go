package writebehind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
)

type countingRepo struct {
	mu     sync.Mutex
	saves  map[string]int
	states map[string]session.State
}

func newCountingRepo() *countingRepo {
	return &countingRepo{saves: map[string]int{}, states: map[string]session.State{}}
}

func (r *countingRepo) Save(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves[s.ID()]++
	r.states[s.ID()] = s.State()
	return nil
}

func (r *countingRepo) FindByID(ctx context.Context, id string) (*session.Session, error) {
	return nil, nil
}

func (r *countingRepo) FindAll(ctx context.Context) ([]*session.Session, error) {
	return nil, nil
}

func (r *countingRepo) Delete(ctx context.Context, id string) error {
	return nil
}

func (r *countingRepo) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[id]
}

func (r *countingRepo) state(id string) session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

func newSession(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := session.NewSession(id, "", config.Default(), nil, nil)
	require.NoError(t, err)
	return s
}

func TestScheduleCoalescesBursts(t *testing.T) {
	repo := newCountingRepo()
	q := New(repo, WithDelay(20*time.Millisecond))
	s := newSession(t, "ascan-burst")

	for i := 0; i < 50; i++ {
		q.Schedule(s)
	}
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 0, repo.count("ascan-burst"), "nothing is written before the delay")

	require.Eventually(t, func() bool { return repo.count("ascan-burst") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Pending())
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, repo.count("ascan-burst"))
}

func TestFlushWritesImmediatelyAndCancelsTimer(t *testing.T) {
	repo := newCountingRepo()
	q := New(repo, WithDelay(time.Hour))
	s := newSession(t, "ascan-flush")

	q.Schedule(s)
	require.NoError(t, s.Start(0))
	require.NoError(t, s.Finish("W10="))
	require.NoError(t, q.Flush(context.Background(), s))

	assert.Equal(t, 1, repo.count("ascan-flush"))
	assert.Equal(t, session.StateDone, repo.state("ascan-flush"))
	assert.Equal(t, 0, q.Pending())
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, repo.count("ascan-flush"), "cancelled timer must not write again")
}

func TestCloseSavesPending(t *testing.T) {
	repo := newCountingRepo()
	q := New(repo, WithDelay(time.Hour))
	a := newSession(t, "ascan-a")
	b := newSession(t, "ascan-b")
	q.Schedule(a)
	q.Schedule(b)

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 1, repo.count("ascan-a"))
	assert.Equal(t, 1, repo.count("ascan-b"))

	q.Schedule(a)
	assert.Equal(t, 0, q.Pending(), "closed queue ignores new work")
	assert.ErrorIs(t, q.Flush(context.Background(), a), ErrClosed)
}
