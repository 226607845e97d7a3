// Package scan schedules check executions over a set of targets.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/dedupe"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
)

const tracerName = "github.com/khanhnv2901/seca-scan/internal/application/scan"

// ScopeFunc reports whether a target is in scope.
type ScopeFunc func(check.Target) bool

// RunRequest is everything one scan needs. Targets and checks are caller
// owned and never mutated.
type RunRequest struct {
	SessionID string
	Targets   []check.Target
	Checks    []*engine.Definition
	Config    config.ScanConfig
}

// Orchestrator coordinates check execution across targets
type Orchestrator struct {
	runtime    *engine.Runtime
	sender     engine.Sender
	logger     *zap.Logger
	tracer     oteltrace.Tracer
	scope      ScopeFunc
	probeRate  float64
	probeBurst int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSender sets the capability steps use to send probes.
func WithSender(s engine.Sender) Option {
	return func(o *Orchestrator) { o.sender = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithTracer(t oteltrace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithScope drops out-of-scope targets when the config asks for in-scope only.
func WithScope(fn ScopeFunc) Option {
	return func(o *Orchestrator) { o.scope = fn }
}

// WithProbeRateLimit throttles probe sends per scan.
func WithProbeRateLimit(rps float64, burst int) Option {
	return func(o *Orchestrator) {
		o.probeRate = rps
		o.probeBurst = burst
	}
}

// WithRuntime replaces the step runtime.
func WithRuntime(rt *engine.Runtime) Option {
	return func(o *Orchestrator) {
		if rt != nil {
			o.runtime = rt
		}
	}
}

// NewOrchestrator creates a new scan orchestrator
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runtime == nil {
		o.runtime = engine.NewRuntime(o.logger)
	}
	return o
}

// Prepare validates a request and builds its work set without starting it.
// On a validation failure the returned runnable is already in the Error state
// and SessionErrored has been emitted.
func (o *Orchestrator) Prepare(req RunRequest, handler event.Handler) (*Runnable, error) {
	id := req.SessionID
	if id == "" {
		id = constants.SessionIDPrefix + uuid.NewString()
	}
	r := newRunnable(o, id, req.Config.Clone(), handler)
	r.emit(event.Event{Kind: event.SessionCreated})

	if err := req.Config.Validate(); err != nil {
		return r, r.abort(err)
	}

	enabled := make([]*engine.Definition, 0, len(req.Checks))
	for _, def := range req.Checks {
		if def != nil && !req.Config.Enables(def.Metadata()) {
			o.logger.Debug("check disabled by config", zap.String("session", id), zap.String("check", def.ID()))
			continue
		}
		enabled = append(enabled, def)
	}
	enabled = withDependencies(req.Checks, enabled, req.Config, o.logger)

	ordered, deps, err := orderChecks(enabled, o.logger)
	if err != nil {
		return r, r.abort(err)
	}
	r.plan(req.Targets, ordered, deps)
	return r, nil
}

// Run prepares and starts a scan.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, handler event.Handler) (*Runnable, error) {
	r, err := o.Prepare(req, handler)
	if err != nil {
		return r, err
	}
	if err := r.Start(ctx); err != nil {
		return r, err
	}
	return r, nil
}

// plan computes the (check, target) pairs in target-major order.
func (r *Runnable) plan(targets []check.Target, ordered []*engine.Definition, deps map[string][]string) {
	o := r.orchestrator
	tracker := dedupe.NewTracker()
	pairsByKey := map[string]*pair{}

	for _, t := range targets {
		if t.Request == nil {
			o.logger.Warn("skipping target without request",
				zap.String("session", r.id),
				zap.String("code", string(trace.CodeRequestNotFound)))
			continue
		}
		task := &session.QueueTask{ID: uuid.NewString(), RequestID: t.ID(), Status: session.TaskPending, UpdatedAt: time.Now().UTC()}
		r.tasks = append(r.tasks, task)
		r.taskByTarget[t.ID()] = task

		if r.config.InScopeOnly && o.scope != nil && !o.scope(t) {
			o.logger.Debug("target out of scope", zap.String("session", r.id), zap.String("target", t.ID()))
			continue
		}

		for _, def := range ordered {
			if !def.Applies(t) {
				continue
			}
			if !tracker.Claim(def.ID(), def.DedupeKey(t)) {
				o.logger.Debug("deduplicated",
					zap.String("check", def.ID()),
					zap.String("target", t.ID()),
					zap.String("key", def.DedupeKey(t)))
				continue
			}
			p := &pair{def: def, target: t}
			for _, dep := range deps[def.ID()] {
				if up, ok := pairsByKey[pairKey(dep, t.ID())]; ok {
					p.waiting++
					up.dependents = append(up.dependents, p)
				}
			}
			pairsByKey[pairKey(def.ID(), t.ID())] = p
			r.pairs = append(r.pairs, p)
			r.remaining[t.ID()]++
		}
	}

	for _, task := range r.tasks {
		if r.remaining[task.RequestID] == 0 {
			task.Status = session.TaskDone
		}
	}
}

func pairKey(checkID, targetID string) string {
	return fmt.Sprintf("%s\x00%s", checkID, targetID)
}
