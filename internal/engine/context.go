package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/taskqueue"
)

// Sender is the capability steps use to issue probe requests.
// Implementations return the request as sent together with the response.
type Sender interface {
	Send(ctx context.Context, spec check.RequestSpec) (check.Target, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, spec check.RequestSpec) (check.Target, error)

func (f SenderFunc) Send(ctx context.Context, spec check.RequestSpec) (check.Target, error) {
	return f(ctx, spec)
}

// RequestStatus tracks a probe through its lifecycle.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// RequestUpdate is reported when a probe is sent, completes or fails.
type RequestUpdate struct {
	PendingID string
	RequestID string
	Status    RequestStatus
	Err       error
}

// Hooks observe an execution as it progresses. Every hook is optional.
type Hooks struct {
	OnStep    func(trace.StepRecord)
	OnFinding func(check.Finding)
	OnRequest func(RequestUpdate)
}

// Env is everything a check execution may reach outside its own state.
type Env struct {
	Sender Sender
	Config config.ScanConfig
	Logger *zap.Logger
	Hooks  Hooks

	// Probes bounds probe sends across every execution of a scan. Nil sends directly.
	Probes *taskqueue.Queue

	// DependencyFindings returns the findings a dependency produced on the same target.
	DependencyFindings func(checkID string) []check.Finding
}

// Context is handed to every step of one check execution.
type Context struct {
	ctx    context.Context
	target check.Target
	meta   check.Metadata
	env    Env
	logger *zap.Logger

	htmlOnce sync.Once
	html     *goquery.Document
	htmlErr  error
}

func newContext(ctx context.Context, def *Definition, target check.Target, env Env) *Context {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		ctx:    ctx,
		target: target,
		meta:   def.meta,
		env:    env,
		logger: logger.With(zap.String("check", def.meta.ID), zap.String("target", target.ID())),
	}
}

// Context returns the execution context. It is cancelled when the scan is cancelled.
func (c *Context) Context() context.Context { return c.ctx }

// Target is the captured request/response pair under test.
func (c *Context) Target() check.Target { return c.target }

// Config is the scan configuration, including aggressivity.
func (c *Context) Config() config.ScanConfig { return c.env.Config }

// Logger is scoped to the check and target.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Cancelled reports whether the scan has been cancelled.
func (c *Context) Cancelled() bool { return c.ctx.Err() != nil }

// ProbeBudget is the number of probes a check may send at the configured aggressivity.
func (c *Context) ProbeBudget() int {
	lo, hi := c.meta.Aggressivity.MinRequests, c.meta.Aggressivity.MaxRequests
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	switch c.env.Config.Aggressivity {
	case config.AggressivityHigh:
		return hi
	case config.AggressivityMedium:
		return lo + (hi-lo+1)/2
	default:
		if lo == 0 && hi > 0 {
			return 1
		}
		return lo
	}
}

// DependencyFindings returns findings of a declared dependency on the same target.
func (c *Context) DependencyFindings(checkID string) []check.Finding {
	if c.env.DependencyFindings == nil {
		return nil
	}
	return c.env.DependencyFindings(checkID)
}

// HTML parses the target response body once. It returns an error when the
// response is absent or not HTML.
func (c *Context) HTML() (*goquery.Document, error) {
	c.htmlOnce.Do(func() {
		resp := c.target.Response
		if !resp.IsHTML() || !resp.HasBody() {
			c.htmlErr = fmt.Errorf("response of %s is not an HTML document", c.target.ID())
			return
		}
		c.html, c.htmlErr = goquery.NewDocumentFromReader(strings.NewReader(resp.BodyText()))
	})
	return c.html, c.htmlErr
}

// Send issues one probe. It refuses to start once the scan is cancelled.
// A probe already on the wire is allowed to finish under the sender's own timeout.
func (c *Context) Send(spec check.RequestSpec) (check.Target, error) {
	if err := c.ctx.Err(); err != nil {
		return check.Target{}, fmt.Errorf("send refused: %w", context.Cause(c.ctx))
	}
	if c.env.Sender == nil {
		return check.Target{}, fmt.Errorf("%w: %w", ErrRequestFailed, ErrNoSender)
	}
	if c.env.Probes == nil {
		return c.send(spec)
	}

	type result struct {
		target check.Target
		err    error
	}
	done := make(chan result, 1)
	queued := c.env.Probes.Add(func(context.Context) {
		if c.ctx.Err() != nil {
			done <- result{err: fmt.Errorf("send refused: %w", context.Cause(c.ctx))}
			return
		}
		t, err := c.send(spec)
		done <- result{target: t, err: err}
	})
	if !queued {
		return check.Target{}, fmt.Errorf("send refused: %w", Interrupt("probe queue cleared"))
	}
	select {
	case r := <-done:
		return r.target, r.err
	case <-c.ctx.Done():
		return check.Target{}, fmt.Errorf("send abandoned: %w", context.Cause(c.ctx))
	}
}

func (c *Context) send(spec check.RequestSpec) (check.Target, error) {
	pendingID := uuid.NewString()
	c.report(RequestUpdate{PendingID: pendingID, Status: RequestPending})

	target, err := c.env.Sender.Send(context.WithoutCancel(c.ctx), spec)
	if err != nil {
		c.logger.Debug("probe failed", zap.String("url", spec.URL()), zap.Error(err))
		c.report(RequestUpdate{PendingID: pendingID, Status: RequestFailed, Err: err})
		return check.Target{}, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, spec.Method, spec.URL(), err)
	}
	c.report(RequestUpdate{PendingID: pendingID, RequestID: target.ID(), Status: RequestCompleted})
	return target, nil
}

func (c *Context) report(u RequestUpdate) {
	if c.env.Hooks.OnRequest != nil {
		c.env.Hooks.OnRequest(u)
	}
}

// SendResult pairs a probe with its outcome in SendAll.
type SendResult struct {
	Target  check.Target
	Err     error
	Skipped bool
}

// SendAll issues probes concurrently, at most ConcurrentRequests at once,
// and returns results in input order.
func (c *Context) SendAll(specs []check.RequestSpec) []SendResult {
	items := make([]func(context.Context) (check.Target, error), len(specs))
	for i, spec := range specs {
		spec := spec
		items[i] = func(context.Context) (check.Target, error) { return c.Send(spec) }
	}
	outcomes := taskqueue.Map(c.ctx, c.env.Config.ConcurrentRequests, items)
	results := make([]SendResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = SendResult{Target: o.Value, Err: o.Err, Skipped: o.Skipped}
	}
	return results
}
