package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/seca-scan/internal/application/scan"
	"github.com/khanhnv2901/seca-scan/internal/checker"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/capture"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/persistence/writebehind"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

type memoryRepo struct {
	mu       sync.Mutex
	sessions map[string]session.Snapshot
	saves    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: map[string]session.Snapshot{}}
}

func (r *memoryRepo) Save(_ context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s.Snapshot()
	r.saves++
	return nil
}

func (r *memoryRepo) FindByID(_ context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.sessions[id]
	if !ok {
		return nil, sharedErrors.ErrSessionNotFound
	}
	return session.Reconstruct(snap), nil
}

func (r *memoryRepo) FindAll(_ context.Context) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, snap := range r.sessions {
		out = append(out, session.Reconstruct(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().After(out[j].CreatedAt()) })
	return out, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return sharedErrors.ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *memoryRepo) state(id string) session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].State
}

type empty struct{}

var reportEveryTarget = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("report", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		f := check.NewFinding("Observed", check.SeverityLow, sc.Target().Request).Build()
		return engine.Done(st, f), nil
	})
	return engine.Spec[empty]{Metadata: check.Metadata{
		ID: "observe", Name: "Observe", Type: check.TypePassive, Severities: []check.Severity{check.SeverityLow},
	}}
})

func blockingCheck(started chan<- struct{}) *engine.Definition {
	var once sync.Once
	return engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
		s.Step("wait", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
			once.Do(func() { close(started) })
			<-sc.Context().Done()
			return engine.Done(st), nil
		})
		return engine.Spec[empty]{Metadata: check.Metadata{ID: "block", Name: "Block", Type: check.TypePassive}}
	})
}

func target(id string) check.Target {
	req, err := check.ParseRequestURL(id, "https://app.example.com/"+id)
	if err != nil {
		panic(err)
	}
	return check.Target{
		Request:  req,
		Response: &check.Response{Code: 200, Headers: http.Header{"Content-Type": {"text/html"}}, Body: []byte("<p>")},
	}
}

type fixture struct {
	repo    *memoryRepo
	writer  *writebehind.Queue
	store   *capture.Store
	service *Service
}

func newFixture(t *testing.T, defs ...*engine.Definition) *fixture {
	t.Helper()
	catalog, err := checker.NewCatalog(defs...)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	repo := newMemoryRepo()
	writer := writebehind.New(repo, writebehind.WithDelay(time.Hour), writebehind.WithLogger(logger))
	t.Cleanup(func() { writer.Close(context.Background()) })
	store := capture.NewStore()

	svc := NewService(repo, scan.NewOrchestrator(scan.WithLogger(logger)), catalog,
		WithWriter(writer), WithTargetSource(store), WithLogger(logger))
	return &fixture{repo: repo, writer: writer, store: store, service: svc}
}

func waitFor(t *testing.T, r *scan.Runnable) scan.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := r.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestStartScanPersistsTerminalStateImmediately(t *testing.T) {
	f := newFixture(t, reportEveryTarget)
	var kinds []event.Kind
	var mu sync.Mutex
	f.service.Subscribe(func(e event.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	sess, r, err := f.service.StartScan(context.Background(), StartRequest{
		Title:   "nightly",
		Targets: []check.Target{target("req-1"), target("req-2")},
		Config:  config.Default(),
	})
	require.NoError(t, err)
	out := waitFor(t, r)
	assert.Equal(t, session.StateDone, out.State)

	assert.Equal(t, session.StateDone, f.repo.state(sess.ID()), "terminal state is flushed without waiting for the delay")
	assert.Equal(t, 0, f.writer.Pending())

	stored, err := f.service.GetSession(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "nightly", stored.Title())
	assert.Len(t, stored.Findings(), 2)
	assert.Equal(t, 2, stored.Progress().ChecksCompleted)
	assert.NotEmpty(t, stored.Trace())
	assert.Equal(t, []string{"observe"}, stored.CheckIDs())
	assert.Equal(t, []string{"req-1", "req-2"}, stored.RequestIDs())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, event.SessionCreated, kinds[0])
	assert.Equal(t, event.SessionFinished, kinds[len(kinds)-1])
}

func TestStartScanUnknownCheck(t *testing.T) {
	f := newFixture(t, reportEveryTarget)
	_, _, err := f.service.StartScan(context.Background(), StartRequest{
		Targets:  []check.Target{target("req-1")},
		CheckIDs: []string{"nope"},
		Config:   config.Default(),
	})
	assert.ErrorIs(t, err, sharedErrors.ErrCheckNotFound)
}

func TestCancelSessionInterruptsAndPersists(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, blockingCheck(started))

	sess, r, err := f.service.StartScan(context.Background(), StartRequest{
		Targets: []check.Target{target("req-1")},
		Config:  config.Default(),
	})
	require.NoError(t, err)
	<-started

	live, err := f.service.GetSession(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, live.State())

	err = f.service.DeleteSession(context.Background(), sess.ID())
	assert.ErrorIs(t, err, sharedErrors.ErrScanAlreadyRunning)

	_, ok := f.service.Runnable(sess.ID())
	assert.True(t, ok)

	require.NoError(t, f.service.CancelSession(context.Background(), sess.ID(), ""))
	out := waitFor(t, r)
	assert.Equal(t, session.StateInterrupted, out.State)
	assert.Equal(t, "Cancelled", out.Reason)
	assert.Equal(t, session.StateInterrupted, f.repo.state(sess.ID()))

	_, ok = f.service.Runnable(sess.ID())
	assert.False(t, ok, "finished scans leave the registry")
	assert.ErrorIs(t, f.service.CancelSession(context.Background(), sess.ID(), ""), sharedErrors.ErrSessionNotFound)
	assert.NoError(t, f.service.DeleteSession(context.Background(), sess.ID()))
}

func TestRenameAndList(t *testing.T) {
	f := newFixture(t, reportEveryTarget)
	ctx := context.Background()

	first, r, err := f.service.StartScan(ctx, StartRequest{Title: "a", Targets: []check.Target{target("req-1")}, Config: config.Default()})
	require.NoError(t, err)
	waitFor(t, r)
	time.Sleep(2 * time.Millisecond)
	second, r, err := f.service.StartScan(ctx, StartRequest{Title: "b", Targets: []check.Target{target("req-1")}, Config: config.Default()})
	require.NoError(t, err)
	waitFor(t, r)

	renamed, err := f.service.RenameSession(ctx, first.ID(), "renamed")
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Title())

	all, err := f.service.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID(), all[0].ID())
	assert.Equal(t, "renamed", all[1].Title())

	_, err = f.service.RenameSession(ctx, "ascan-missing", "x")
	assert.ErrorIs(t, err, sharedErrors.ErrSessionNotFound)
}

func TestRerunSessionReusesRequestsChecksAndConfig(t *testing.T) {
	f := newFixture(t, reportEveryTarget)
	ctx := context.Background()
	f.store.Add(target("req-1"), target("req-2"))

	cfg := config.Default()
	cfg.Aggressivity = config.AggressivityMedium
	prev, r, err := f.service.StartScan(ctx, StartRequest{
		Title:   "first",
		Targets: []check.Target{target("req-1"), target("req-2")},
		Config:  cfg,
	})
	require.NoError(t, err)
	waitFor(t, r)

	next, r, err := f.service.RerunSession(ctx, prev.ID())
	require.NoError(t, err)
	waitFor(t, r)

	assert.NotEqual(t, prev.ID(), next.ID())
	assert.Equal(t, "first (rerun)", next.Title())
	assert.Equal(t, prev.RequestIDs(), next.RequestIDs())
	assert.Equal(t, config.AggressivityMedium, next.Config().Aggressivity)

	stored, err := f.service.GetSession(ctx, next.ID())
	require.NoError(t, err)
	assert.Len(t, stored.Findings(), 2)
}

func TestShutdownCancelsRunningScans(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, blockingCheck(started))

	_, r, err := f.service.StartScan(context.Background(), StartRequest{
		Targets: []check.Target{target("req-1")},
		Config:  config.Default(),
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Shutdown(ctx))
	assert.Equal(t, session.StateInterrupted, waitFor(t, r).State)
}
