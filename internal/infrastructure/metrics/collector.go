// Package metrics exposes scan activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

// Collector folds orchestrator events into counters and histograms held in
// its own registry.
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	checksTotal    *prometheus.CounterVec
	findingsTotal  *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	checkDuration  *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
	active  map[string]struct{}
}

// NewCollector creates a collector with every metric registered.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		started:  map[string]time.Time{},
		active:   map[string]struct{}{},
	}

	c.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seca_scan_sessions_total",
			Help: "Scan sessions by terminal state",
		},
		[]string{"state"},
	)
	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seca_scan_sessions_active",
		Help: "Scan sessions currently running",
	})
	c.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seca_scan_checks_total",
			Help: "Check executions by check and outcome",
		},
		[]string{"check", "status"},
	)
	c.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seca_scan_findings_total",
			Help: "Reported findings by severity",
		},
		[]string{"severity"},
	)
	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seca_scan_requests_total",
			Help: "Probe requests by status",
		},
		[]string{"status"},
	)
	c.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seca_scan_check_duration_seconds",
			Help:    "Wall time of a check execution",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"check"},
	)

	collectors := []prometheus.Collector{
		c.sessionsTotal,
		c.sessionsActive,
		c.checksTotal,
		c.findingsTotal,
		c.requestsTotal,
		c.checkDuration,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Handle is an event.Handler.
func (c *Collector) Handle(e event.Event) {
	switch e.Kind {
	case event.SessionStarted:
		c.mu.Lock()
		c.active[e.SessionID] = struct{}{}
		c.mu.Unlock()
		c.sessionsActive.Inc()
	case event.SessionFinished:
		c.endSession(e, "done")
	case event.SessionInterrupted:
		c.endSession(e, "interrupted")
	case event.SessionErrored:
		c.endSession(e, "error")
	case event.CheckStarted:
		c.mu.Lock()
		c.started[executionKey(e)] = e.At
		c.mu.Unlock()
	case event.CheckCompleted:
		c.endCheck(e, "completed")
	case event.CheckFailed:
		c.endCheck(e, "failed")
	case event.RequestSent:
		c.requestsTotal.WithLabelValues("sent").Inc()
	case event.RequestCompleted:
		c.requestsTotal.WithLabelValues("completed").Inc()
	case event.RequestFailed:
		c.requestsTotal.WithLabelValues("failed").Inc()
	case event.FindingAdded:
		if e.Finding != nil {
			c.findingsTotal.WithLabelValues(string(e.Finding.Severity)).Inc()
		}
	}
}

func (c *Collector) endSession(e event.Event, state string) {
	c.sessionsTotal.WithLabelValues(state).Inc()

	// Sessions rejected before starting never incremented the gauge.
	c.mu.Lock()
	_, ok := c.active[e.SessionID]
	delete(c.active, e.SessionID)
	c.mu.Unlock()
	if ok {
		c.sessionsActive.Dec()
	}
}

func (c *Collector) endCheck(e event.Event, status string) {
	c.checksTotal.WithLabelValues(e.CheckID, status).Inc()

	c.mu.Lock()
	start, ok := c.started[executionKey(e)]
	delete(c.started, executionKey(e))
	c.mu.Unlock()
	if ok && !e.At.IsZero() {
		c.checkDuration.WithLabelValues(e.CheckID).Observe(e.At.Sub(start).Seconds())
	}
}

func executionKey(e event.Event) string {
	return e.SessionID + "\x00" + e.CheckID + "\x00" + e.TargetRequestID
}
