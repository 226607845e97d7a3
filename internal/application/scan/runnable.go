package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/event"
	"github.com/khanhnv2901/seca-scan/internal/domain/session"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
	"github.com/khanhnv2901/seca-scan/internal/taskqueue"
)

// Outcome is the terminal result of a scan.
type Outcome struct {
	State   session.State
	Reason  string
	Err     error
	History trace.History
	Trace   string
}

type pair struct {
	def        *engine.Definition
	target     check.Target
	waiting    int
	dependents []*pair
}

// Runnable is one scan: its work set, its queues and its trace. It owns its
// executions exclusively and is not reusable.
type Runnable struct {
	id           string
	orchestrator *Orchestrator
	config       config.ScanConfig
	handler      event.Handler
	logger       *zap.Logger

	pairs        []*pair
	tasks        []*session.QueueTask
	taskByTarget map[string]*session.QueueTask
	remaining    map[string]int

	recorder *trace.Recorder

	mu       sync.Mutex
	state    session.State
	started  bool
	findings map[string][]check.Finding
	fault    error

	emitMu sync.Mutex

	ctx    context.Context
	cancel context.CancelCauseFunc
	queue  *taskqueue.Queue
	probes *taskqueue.Queue
	span   oteltrace.Span

	done    chan struct{}
	outcome Outcome
}

func newRunnable(o *Orchestrator, id string, cfg config.ScanConfig, handler event.Handler) *Runnable {
	return &Runnable{
		id:           id,
		orchestrator: o,
		config:       cfg,
		handler:      handler,
		logger:       o.logger.With(zap.String("session", id)),
		taskByTarget: map[string]*session.QueueTask{},
		remaining:    map[string]int{},
		recorder:     trace.NewRecorder(),
		state:        session.StatePending,
		findings:     map[string][]check.Finding{},
		done:         make(chan struct{}),
	}
}

// ID is the session identifier of the scan.
func (r *Runnable) ID() string { return r.id }

// Config is the configuration the scan runs with.
func (r *Runnable) Config() config.ScanConfig { return r.config.Clone() }

// Planned is the number of (check, target) executions in the work set.
func (r *Runnable) Planned() int { return len(r.pairs) }

// State is the current lifecycle state.
func (r *Runnable) State() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns the trace recorded so far. It is usable before completion.
func (r *Runnable) History() trace.History {
	return r.recorder.Snapshot()
}

// Tasks returns the per-target queue view.
func (r *Runnable) Tasks() []session.QueueTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.QueueTask, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = *t
	}
	return out
}

// Done is closed once the scan reached a terminal state.
func (r *Runnable) Done() <-chan struct{} { return r.done }

// Start begins executing the work set in the background.
func (r *Runnable) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s", sharedErrors.ErrScanAlreadyRunning, r.id)
	}
	r.started = true
	r.state = session.StateRunning

	o := r.orchestrator
	spanCtx, span := o.tracer.Start(ctx, "scan.session", oteltrace.WithAttributes(
		attribute.String("scan.session_id", r.id),
		attribute.Int("scan.planned", len(r.pairs)),
		attribute.String("scan.aggressivity", string(r.config.Aggressivity)),
	))
	r.span = span
	r.ctx, r.cancel = context.WithCancelCause(spanCtx)

	var probeOpts []taskqueue.Option
	if o.probeRate > 0 {
		probeOpts = append(probeOpts, taskqueue.WithRateLimit(o.probeRate, o.probeBurst))
	}
	r.probes = taskqueue.New(r.ctx, r.config.ConcurrentRequests, probeOpts...)
	r.queue = taskqueue.New(r.ctx, r.config.ConcurrentChecks, taskqueue.WithPanicHandler(r.recordFault))
	r.mu.Unlock()

	context.AfterFunc(r.ctx, func() {
		r.queue.Clear()
		r.probes.Clear()
	})

	r.emit(event.Event{Kind: event.SessionStarted, ChecksTotal: len(r.pairs)})
	go r.run()
	return nil
}

func (r *Runnable) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("scan scheduler panicked", zap.Any("panic", p))
			r.finish(session.StateError, "", fmt.Errorf("scheduler panic: %v", p))
		}
	}()

	for _, p := range r.pairs {
		if p.waiting == 0 {
			r.submit(p)
		}
	}
	r.queue.Wait()

	r.mu.Lock()
	fault := r.fault
	r.mu.Unlock()

	switch {
	case fault != nil:
		r.finish(session.StateError, "", fault)
	case r.ctx.Err() != nil:
		r.finish(session.StateInterrupted, engine.InterruptReason(r.ctx), nil)
	default:
		r.finish(session.StateDone, "", nil)
	}
}

func (r *Runnable) submit(p *pair) {
	r.queue.Add(func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		r.execute(ctx, p)
		r.mu.Lock()
		ready := make([]*pair, 0, len(p.dependents))
		for _, d := range p.dependents {
			d.waiting--
			if d.waiting == 0 {
				ready = append(ready, d)
			}
		}
		r.mu.Unlock()
		for _, d := range ready {
			r.submit(d)
		}
	})
}

func (r *Runnable) execute(ctx context.Context, p *pair) {
	o := r.orchestrator
	checkID, targetID := p.def.ID(), p.target.ID()
	r.setTask(targetID, session.TaskRunning, false)
	defer r.setTask(targetID, session.TaskDone, true)

	ctx, span := o.tracer.Start(ctx, "check.execute", oteltrace.WithAttributes(
		attribute.String("check.id", checkID),
		attribute.String("check.target_request_id", targetID),
	))
	defer span.End()

	base := event.Event{CheckID: checkID, TargetRequestID: targetID}
	r.emit(with(base, event.Event{Kind: event.CheckStarted}))

	env := engine.Env{
		Sender: o.sender,
		Config: r.config,
		Logger: r.logger,
		Probes: r.probes,
		Hooks: engine.Hooks{
			OnRequest: func(u engine.RequestUpdate) {
				e := with(base, event.Event{PendingRequestID: u.PendingID, RequestID: u.RequestID})
				switch u.Status {
				case engine.RequestPending:
					e.Kind = event.RequestSent
				case engine.RequestCompleted:
					e.Kind = event.RequestCompleted
				case engine.RequestFailed:
					e.Kind = event.RequestFailed
					if u.Err != nil {
						e.Error = u.Err.Error()
					}
				}
				r.emit(e)
			},
			OnFinding: func(f check.Finding) {
				if !r.config.AllowsSeverity(f.Severity) {
					return
				}
				finding := f
				r.emit(with(base, event.Event{Kind: event.FindingAdded, Finding: &finding}))
			},
		},
		DependencyFindings: func(dep string) []check.Finding {
			r.mu.Lock()
			defer r.mu.Unlock()
			return append([]check.Finding(nil), r.findings[pairKey(dep, targetID)]...)
		},
	}

	exec := o.runtime.Execute(ctx, p.def, p.target, env)
	if exec.Skipped {
		r.emit(with(base, event.Event{Kind: event.CheckCompleted}))
		return
	}
	r.recorder.Append(exec.Record)

	r.mu.Lock()
	r.findings[pairKey(checkID, targetID)] = exec.Findings
	r.mu.Unlock()

	span.SetAttributes(
		attribute.String("check.status", string(exec.Record.Status)),
		attribute.Int("check.steps", len(exec.Record.Steps)),
		attribute.Int("check.findings", len(exec.Findings)),
	)
	if exec.Failed() {
		execErr := exec.Record.Error
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Message)
		r.emit(with(base, event.Event{Kind: event.CheckFailed, ErrorCode: string(execErr.Code), Error: execErr.Message}))
		return
	}
	r.emit(with(base, event.Event{Kind: event.CheckCompleted}))
}

func (r *Runnable) setTask(targetID string, status session.TaskStatus, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.taskByTarget[targetID]
	if !ok {
		return
	}
	if finished {
		r.remaining[targetID]--
		if r.remaining[targetID] > 0 {
			return
		}
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
}

func (r *Runnable) recordFault(p any) {
	r.logger.Error("check execution panicked outside the runtime", zap.Any("panic", p))
	r.mu.Lock()
	if r.fault == nil {
		r.fault = fmt.Errorf("execution panic: %v", p)
	}
	r.mu.Unlock()
}

// Cancel interrupts the scan. Pending executions never start; running ones
// stop at their next step and fail with INTERRUPTED. Cancel only signals and
// is safe to call from an event handler; use Wait or Done to observe the
// terminal state.
func (r *Runnable) Cancel(reason string) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	if !r.started {
		r.started = true
		r.mu.Unlock()
		r.finish(session.StateInterrupted, reason, nil)
		close(r.done)
		return
	}
	r.mu.Unlock()

	r.logger.Info("cancelling scan", zap.String("reason", reason))
	r.cancel(engine.Interrupt(reason))
	r.queue.Clear()
	r.probes.Clear()
}

// Wait blocks until the scan is terminal or ctx ends.
func (r *Runnable) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// abort ends a runnable that failed validation.
func (r *Runnable) abort(err error) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.logger.Error("scan rejected", zap.Error(err))
	r.finish(session.StateError, "", err)
	close(r.done)
	return err
}

func (r *Runnable) finish(state session.State, reason string, err error) {
	history := r.recorder.Snapshot()
	encoded, encErr := history.Encode()
	if encErr != nil {
		r.logger.Error("encode trace", zap.Error(encErr))
	}

	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.outcome = Outcome{State: state, Reason: reason, Err: err, History: history, Trace: encoded}
	if r.cancel != nil {
		r.cancel(nil)
	}
	r.mu.Unlock()

	e := event.Event{Trace: encoded}
	switch state {
	case session.StateDone:
		e.Kind = event.SessionFinished
	case session.StateInterrupted:
		e.Kind = event.SessionInterrupted
		e.Reason = reason
		e.ErrorCode = string(trace.CodeInterrupted)
	default:
		e.Kind = event.SessionErrored
		if err != nil {
			e.Error = err.Error()
		}
		if errors.Is(err, sharedErrors.ErrScanAlreadyRunning) {
			e.ErrorCode = string(trace.CodeScanAlreadyRunning)
		}
	}

	if r.span != nil {
		r.span.SetAttributes(attribute.String("scan.state", string(state)), attribute.Int("scan.records", len(history)))
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		}
		r.span.End()
	}

	r.logger.Info("scan finished",
		zap.String("state", string(state)),
		zap.Int("records", len(history)),
		zap.String("reason", reason))
	r.emit(e)
}

func (r *Runnable) emit(e event.Event) {
	if r.handler == nil {
		return
	}
	e.SessionID = r.id
	e.At = time.Now().UTC()
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.handler(e)
}

func with(base, e event.Event) event.Event {
	e.CheckID = base.CheckID
	e.TargetRequestID = base.TargetRequestID
	return e
}
