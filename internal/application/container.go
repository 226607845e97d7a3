package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/application/queue"
	"github.com/khanhnv2901/seca-scan/internal/application/scan"
	sessionapp "github.com/khanhnv2901/seca-scan/internal/application/session"
	"github.com/khanhnv2901/seca-scan/internal/checker"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/capture"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/eventhub"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/metrics"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/persistence/json"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/persistence/sqlite"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/persistence/writebehind"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/sender"
	"github.com/khanhnv2901/seca-scan/internal/infrastructure/telemetry"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Store backends for sessions.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// SpanFileName is the span log written under the results directory.
const SpanFileName = "spans.jsonl"

// Options configures NewContainer.
type Options struct {
	ResultsDir string
	Store      string
	Logger     *zap.Logger
	Version    string

	// Scope lists hosts considered in scope. Subdomains match. Empty means every host.
	Scope []string

	CSP          checker.CSPPolicy
	RateLimit    float64
	Timeout      time.Duration
	FlushDelay   time.Duration
	Spans        bool
	PassiveScans config.ScanConfig
}

// Container holds all application services and repositories.
// This is a simple dependency injection container.
type Container struct {
	Logger *zap.Logger

	SessionRepo session.Repository
	Writer      *writebehind.Queue
	Captures    *capture.Store
	Sender      *sender.HTTPSender
	Catalog     *checker.Catalog
	Metrics     *metrics.Collector
	Events      *eventhub.Hub
	Telemetry   *telemetry.Provider

	Orchestrator *scan.Orchestrator
	Sessions     *sessionapp.Service
	Passive      *queue.Service

	resultsDir string
	closers    []func(context.Context) error
}

// NewContainer wires every service for one process.
func NewContainer(opts Options) (*Container, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ResultsDir == "" {
		return nil, fmt.Errorf("%w: results directory", sharedErrors.ErrMissingRequired)
	}
	c := &Container{Logger: logger, resultsDir: opts.ResultsDir}

	repo, err := c.openRepository(opts)
	if err != nil {
		return nil, err
	}
	c.SessionRepo = repo

	c.Writer = writebehind.New(repo, writebehind.WithDelay(opts.FlushDelay), writebehind.WithLogger(logger))
	c.closers = append(c.closers, c.Writer.Close)

	c.Catalog, err = checker.Builtin(checker.Options{CSP: opts.CSP})
	if err != nil {
		c.Close(context.Background())
		return nil, fmt.Errorf("failed to build check catalog: %w", err)
	}

	c.Metrics, err = metrics.NewCollector()
	if err != nil {
		c.Close(context.Background())
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	c.Events = eventhub.New(eventhub.WithLogger(logger))
	c.closers = append(c.closers, func(context.Context) error {
		c.Events.Close()
		return nil
	})

	if opts.Spans {
		c.Telemetry, err = telemetry.NewFileProvider(opts.ResultsDir, SpanFileName, telemetry.Options{ServiceVersion: opts.Version})
		if err != nil {
			c.Close(context.Background())
			return nil, fmt.Errorf("failed to open span log: %w", err)
		}
	} else {
		c.Telemetry = telemetry.NewProvider(telemetry.Options{ServiceVersion: opts.Version})
	}
	c.closers = append(c.closers, c.Telemetry.Shutdown)

	c.Captures = capture.NewStore()
	senderOpts := []sender.Option{
		sender.WithLogger(logger),
		sender.WithObserver(func(t check.Target) { c.Captures.Add(t) }),
	}
	if opts.Timeout > 0 {
		senderOpts = append(senderOpts, sender.WithTimeout(opts.Timeout))
	}
	if opts.RateLimit > 0 {
		senderOpts = append(senderOpts, sender.WithRateLimit(opts.RateLimit, 1))
	}
	c.Sender = sender.New(senderOpts...)

	c.Orchestrator = scan.NewOrchestrator(
		scan.WithSender(c.Sender),
		scan.WithLogger(logger),
		scan.WithTracer(c.Telemetry.Tracer()),
		scan.WithScope(HostScope(opts.Scope)),
	)

	c.Sessions = sessionapp.NewService(repo, c.Orchestrator, c.Catalog,
		sessionapp.WithWriter(c.Writer),
		sessionapp.WithTargetSource(c.Captures),
		sessionapp.WithLogger(logger),
	)
	c.Sessions.Subscribe(c.Metrics.Handle)
	c.Sessions.Subscribe(c.Events.Publish)
	// Shutdown runs before the writer closes so terminal states still reach the store.
	c.closers = append([]func(context.Context) error{c.Sessions.Shutdown}, c.closers...)

	passiveCfg := opts.PassiveScans
	if passiveCfg.ConcurrentChecks == 0 {
		passiveCfg = config.Default()
	}
	c.Passive = queue.NewService(context.Background(), c.Orchestrator, c.Catalog.All(), passiveCfg,
		event.Fanout(c.Metrics.Handle, c.Events.Publish), logger)
	c.closers = append([]func(context.Context) error{func(ctx context.Context) error {
		c.Passive.Clear(ctx)
		return nil
	}}, c.closers...)

	return c, nil
}

func (c *Container) openRepository(opts Options) (session.Repository, error) {
	switch strings.ToLower(opts.Store) {
	case "", StoreJSON:
		repo, err := json.NewSessionRepository(opts.ResultsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create session repository: %w", err)
		}
		return repo, nil
	case StoreSQLite:
		repo, err := sqlite.Open(opts.ResultsDir, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return repo.Close() })
		return repo, nil
	default:
		return nil, fmt.Errorf("%w: unknown store %q", sharedErrors.ErrInvalidConfig, opts.Store)
	}
}

// Check reports whether the results directory is still usable.
func (c *Container) Check(ctx context.Context) error {
	info, err := os.Stat(c.resultsDir)
	if err != nil {
		return fmt.Errorf("results directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("results path %s is not a directory", c.resultsDir)
	}
	return ctx.Err()
}

// Close cancels running scans, flushes pending session writes and releases
// every resource, in that order.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// HostScope returns a scope predicate matching the given hosts and their
// subdomains. No hosts means no restriction.
func HostScope(hosts []string) scan.ScopeFunc {
	allowed := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		if h != "" {
			allowed = append(allowed, strings.TrimPrefix(h, "*."))
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(t check.Target) bool {
		if t.Request == nil {
			return false
		}
		host := strings.ToLower(t.Request.Host)
		for _, a := range allowed {
			if host == a || strings.HasSuffix(host, "."+a) {
				return true
			}
		}
		return false
	}
}

// Targets resolves captured request IDs.
func (c *Container) Targets(ctx context.Context, requestIDs []string) ([]check.Target, error) {
	return c.Captures.Targets(ctx, requestIDs)
}

// Fetch probes rawURL once; the result is captured for later reruns.
func (c *Container) Fetch(ctx context.Context, rawURL string) (check.Target, error) {
	return c.Sender.Fetch(ctx, rawURL)
}
