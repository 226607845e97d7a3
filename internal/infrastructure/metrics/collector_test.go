package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

func TestCollectorCountsEvents(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	start := time.Now()
	finding := check.NewFinding("Weak CSP", check.SeverityHigh, &check.Request{ID: "r1"}).Build()
	events := []event.Event{
		{Kind: event.SessionStarted, SessionID: "s1", At: start},
		{Kind: event.CheckStarted, SessionID: "s1", CheckID: "csp-weak", TargetRequestID: "r1", At: start},
		{Kind: event.RequestSent, SessionID: "s1", PendingRequestID: "p1"},
		{Kind: event.RequestCompleted, SessionID: "s1", PendingRequestID: "p1", RequestID: "r2"},
		{Kind: event.RequestSent, SessionID: "s1", PendingRequestID: "p2"},
		{Kind: event.RequestFailed, SessionID: "s1", PendingRequestID: "p2"},
		{Kind: event.FindingAdded, SessionID: "s1", Finding: &finding},
		{Kind: event.CheckCompleted, SessionID: "s1", CheckID: "csp-weak", TargetRequestID: "r1", At: start.Add(time.Second)},
		{Kind: event.CheckStarted, SessionID: "s1", CheckID: "cors-misconfig", TargetRequestID: "r1", At: start},
		{Kind: event.CheckFailed, SessionID: "s1", CheckID: "cors-misconfig", TargetRequestID: "r1", At: start},
	}
	for _, e := range events {
		c.Handle(e)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.findingsTotal.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checksTotal.WithLabelValues("csp-weak", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checksTotal.WithLabelValues("cors-misconfig", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.checkDuration))

	c.Handle(event.Event{Kind: event.SessionInterrupted, SessionID: "s1"})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("interrupted")))
}

func TestCollectorIgnoresSessionsThatNeverStarted(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)

	c.Handle(event.Event{Kind: event.SessionErrored, SessionID: "never"})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("error")))
}

func TestCollectorHandler(t *testing.T) {
	c, err := NewCollector()
	require.NoError(t, err)
	c.Handle(event.Event{Kind: event.SessionStarted, SessionID: "s1"})
	c.Handle(event.Event{Kind: event.SessionFinished, SessionID: "s1"})

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `seca_scan_sessions_total{state="done"} 1`), rr.Body.String())
}
