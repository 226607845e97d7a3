package application

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	sessionapp "github.com/khanhnv2901/seca-scan/internal/application/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func TestHostScope(t *testing.T) {
	scope := HostScope([]string{"Example.com", "*.api.test:8443", " "})
	require.NotNil(t, scope)

	for host, want := range map[string]bool{
		"example.com":     true,
		"www.example.com": true,
		"badexample.com":  false,
		"v1.api.test":     true,
		"api.test":        true,
		"other.org":       false,
	} {
		target := check.Target{Request: &check.Request{Host: host}}
		assert.Equal(t, want, scope(target), host)
	}
	assert.False(t, scope(check.Target{}))
	assert.Nil(t, HostScope(nil))
}

func TestNewContainerRejectsUnknownStore(t *testing.T) {
	_, err := NewContainer(Options{ResultsDir: t.TempDir(), Store: "redis"})
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidConfig)

	_, err = NewContainer(Options{})
	assert.ErrorIs(t, err, sharedErrors.ErrMissingRequired)
}

func TestContainerScansLiveTargetEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	for _, store := range []string{StoreJSON, StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			dir := t.TempDir()
			c, err := NewContainer(Options{
				ResultsDir: dir,
				Store:      store,
				Logger:     zaptest.NewLogger(t),
				Spans:      true,
				FlushDelay: time.Hour,
			})
			require.NoError(t, err)

			ctx := context.Background()
			target, err := c.Sender.Fetch(ctx, srv.URL+"/")
			require.NoError(t, err)
			assert.Equal(t, 1, c.Captures.Len(), "fetched targets are captured for reruns")

			events, unsubscribe := c.Events.Subscribe("")
			defer unsubscribe()

			sess, r, err := c.Sessions.StartScan(ctx, sessionapp.StartRequest{
				Title:    "live",
				Targets:  []check.Target{target},
				CheckIDs: []string{"csp-missing", "cors-misconfig"},
				Config:   config.Default(),
			})
			require.NoError(t, err)
			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			out, err := r.Wait(waitCtx)
			require.NoError(t, err)
			assert.Equal(t, session.StateDone, out.State)

			stored, err := c.SessionRepo.FindByID(ctx, sess.ID())
			require.NoError(t, err)
			assert.Equal(t, session.StateDone, stored.State())
			assert.Len(t, stored.Findings(), 2)

			select {
			case <-events:
			case <-time.After(time.Second):
				t.Fatal("expected events on the hub")
			}

			require.NoError(t, c.Close(ctx))
			info, err := os.Stat(filepath.Join(dir, SpanFileName))
			require.NoError(t, err)
			assert.Positive(t, info.Size(), "spans are flushed on close")
		})
	}
}

func TestContainerHealthCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	c, err := NewContainer(Options{ResultsDir: dir, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })

	require.NoError(t, c.Check(context.Background()))

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, c.Check(context.Background()))
}
