package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/seca-scan/internal/application"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

const testToken = "s3cret"

type fixture struct {
	container *application.Container
	api       *httptest.Server
	target    *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>target</body></html>"))
	}))
	t.Cleanup(target.Close)

	c, err := application.NewContainer(application.Options{
		ResultsDir: t.TempDir(),
		Logger:     zaptest.NewLogger(t),
		FlushDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	cfg := Config{
		Sessions:  c.Sessions,
		Checks:    c.Catalog,
		Targets:   c,
		Events:    c.Events,
		Metrics:   c.Metrics.Handler(),
		Version:   "test",
		AuthToken: testToken,
		Logger:    zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	t.Cleanup(srv.Close)
	api := httptest.NewServer(srv)
	t.Cleanup(api.Close)
	return &fixture{container: c, api: api, target: target}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.api.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) waitForState(t *testing.T, id string, want session.State) sessionDetail {
	t.Helper()
	var got sessionDetail
	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		got = decodeBody[sessionDetail](t, resp)
		return got.State == want
	}, 5*time.Second, 20*time.Millisecond)
	return got
}

func TestHealthIsPublicButRoutesRequireToken(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.api.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok", "version": "test"}, decodeBody[map[string]string](t, resp))

	resp, err = http.Get(f.api.URL + "/api/v1/checks")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(f.api.URL + "/api/v1/checks?token=" + testToken)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListChecksFiltersByType(t *testing.T) {
	f := newFixture(t, nil)

	all := decodeBody[[]check.Metadata](t, f.do(t, http.MethodGet, "/api/v1/checks", nil))
	active := decodeBody[[]check.Metadata](t, f.do(t, http.MethodGet, "/api/v1/checks?type=active", nil))

	assert.Len(t, all, len(f.container.Catalog.All()))
	require.NotEmpty(t, active)
	for _, meta := range active {
		assert.Equal(t, check.TypeActive, meta.Type)
	}
	assert.Less(t, len(active), len(all))
}

func TestListPresets(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/v1/presets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	presets := decodeBody[[]map[string]any](t, resp)
	assert.Len(t, presets, 4)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{
		Title:    "homepage",
		URLs:     []string{f.target.URL + "/"},
		CheckIDs: []string{"csp-missing"},
		Preset:   "balanced",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[sessionSummary](t, resp)
	assert.Equal(t, "/api/v1/sessions/"+started.ID, resp.Header.Get("Location"))
	assert.Equal(t, "homepage", started.Title)

	done := f.waitForState(t, started.ID, session.StateDone)
	assert.Equal(t, 1, done.Progress.ChecksCompleted)
	require.Len(t, done.Findings, 1)
	assert.Equal(t, "Content-Security-Policy Header Missing", done.Findings[0].Name)
	assert.Empty(t, done.Trace, "trace is served by its own route")

	traceResp := f.do(t, http.MethodGet, "/api/v1/sessions/"+started.ID+"/trace", nil)
	require.Equal(t, http.StatusOK, traceResp.StatusCode)
	tr := decodeBody[traceResponse](t, traceResp)
	assert.Equal(t, 1, tr.Summary.TotalChecks)
	assert.Equal(t, 1, tr.Summary.TotalFindings)

	raw := f.do(t, http.MethodGet, "/api/v1/sessions/"+started.ID+"/trace?format=base64", nil)
	require.Equal(t, http.StatusOK, raw.StatusCode)
	assert.True(t, strings.HasPrefix(raw.Header.Get("Content-Type"), "text/plain"))

	renamed := f.do(t, http.MethodPatch, "/api/v1/sessions/"+started.ID, map[string]string{"title": "renamed"})
	require.Equal(t, http.StatusOK, renamed.StatusCode)
	assert.Equal(t, "renamed", decodeBody[sessionSummary](t, renamed).Title)

	list := decodeBody[[]sessionSummary](t, f.do(t, http.MethodGet, "/api/v1/sessions?state=done", nil))
	require.Len(t, list, 1)
	assert.Equal(t, started.ID, list[0].ID)

	rerun := f.do(t, http.MethodPost, "/api/v1/sessions/"+started.ID+"/rerun", nil)
	require.Equal(t, http.StatusAccepted, rerun.StatusCode)
	second := decodeBody[sessionSummary](t, rerun)
	assert.NotEqual(t, started.ID, second.ID)
	f.waitForState(t, second.ID, session.StateDone)

	del := f.do(t, http.MethodDelete, "/api/v1/sessions/"+started.ID, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	gone := f.do(t, http.MethodGet, "/api/v1/sessions/"+started.ID, nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestStartSessionValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "malformed body", body: "not an object", want: http.StatusBadRequest},
		{name: "no targets", body: StartSessionRequest{CheckIDs: []string{"csp-missing"}}, want: http.StatusBadRequest},
		{name: "unknown preset", body: StartSessionRequest{URLs: []string{f.target.URL}, Preset: "nope"}, want: http.StatusNotFound},
		{name: "unknown check", body: StartSessionRequest{URLs: []string{f.target.URL}, CheckIDs: []string{"nope"}}, want: http.StatusNotFound},
		{name: "unreachable url", body: StartSessionRequest{URLs: []string{"http://127.0.0.1:1/"}}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[map[string]string](t, resp)["error"])
		})
	}
}

func TestTraceForUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/v1/sessions/ascan-missing/trace", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStreamDeliversLiveAndReplayedEvents(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.api.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", testToken)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", StartSessionRequest{
		URLs:     []string{f.target.URL},
		CheckIDs: []string{"csp-missing"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody[sessionSummary](t, resp).ID

	kinds := readEventKinds(t, bufio.NewScanner(stream.Body), "sessionFinished")
	assert.Contains(t, kinds, "checkStarted")
	assert.Contains(t, kinds, "findingAdded")

	replayCtx, cancelReplay := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReplay()
	req, err = http.NewRequestWithContext(replayCtx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/events?session=%s&replay=100", f.api.URL, id), nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", testToken)
	replay, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer replay.Body.Close()

	replayed := readEventKinds(t, bufio.NewScanner(replay.Body), "sessionFinished")
	assert.Equal(t, "sessionCreated", replayed[0])
}

func readEventKinds(t *testing.T, scanner *bufio.Scanner, until string) []string {
	t.Helper()
	var kinds []string
	for scanner.Scan() {
		line := scanner.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
			if kind == until {
				return kinds
			}
		}
	}
	t.Fatalf("stream ended before %s: %v (%v)", until, kinds, scanner.Err())
	return nil
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	first := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(Config{CORSOrigins: []string{"https://ui.example"}})
	defer srv.Close()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://ui.example")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://ui.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientAddr(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientAddr(req))

	req.Header.Set("X-Forwarded-For", "[2001:db8::1]:443")
	assert.Equal(t, "2001:db8::1", clientAddr(req))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrap: %w", sharedErrors.ErrSessionNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(sharedErrors.ErrScanAlreadyRunning))
	assert.Equal(t, http.StatusBadRequest, statusFor(sharedErrors.ErrInvalidConfig))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	s := NewServer(Config{Logger: zaptest.NewLogger(t)})
	defer s.Close()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rr := httptest.NewRecorder()
	s.writeError(rr, req, http.StatusInternalServerError, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "internal server error")
	assert.NotContains(t, rr.Body.String(), "boom")

	rr = httptest.NewRecorder()
	s.writeError(rr, req, http.StatusBadRequest, errors.New("bad input"))
	assert.Contains(t, rr.Body.String(), "bad input")
}

func TestWriteStreamChunk(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	require.True(t, s.writeStreamChunk(rr, []byte("hello")))
	assert.Equal(t, "hello", rr.Body.String())
	assert.False(t, s.writeStreamChunk(&failingWriter{}, []byte("fail")))
}

func TestRateLimiterSweepForgetsIdleClients(t *testing.T) {
	m := newRateLimiterMap()
	defer m.stop()
	m.getLimiter("10.0.0.1", 1, 1)
	m.sweep(time.Now().Add(limiterIdleTTL + time.Second))
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.limiters)
}

type failingWriter struct{}

func (f *failingWriter) Header() http.Header { return http.Header{} }
func (f *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("write failed")
}
func (f *failingWriter) WriteHeader(statusCode int) {}
