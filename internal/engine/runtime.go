package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
)

// Execution is the outcome of running one check against one target.
type Execution struct {
	Record   trace.CheckRecord
	Findings []check.Finding
	// Skipped is set when the check's applicability predicate rejected the target.
	// Record is empty in that case.
	Skipped bool
}

// Failed reports whether the execution ended in failure.
func (e Execution) Failed() bool {
	return !e.Skipped && e.Record.Status == trace.StatusFailed
}

// Runtime drives check definitions step by step.
type Runtime struct {
	logger   *zap.Logger
	maxTurns int
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithMaxTurns bounds the number of steps one execution may take.
func WithMaxTurns(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// NewRuntime creates a runtime. A nil logger is replaced with a no-op logger.
func NewRuntime(logger *zap.Logger, opts ...RuntimeOption) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{logger: logger, maxTurns: constants.MaxStepTurns}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs def against target until a step returns Done, a step fails,
// or ctx is cancelled. Cancellation is observed between turns only.
func (r *Runtime) Execute(ctx context.Context, def *Definition, target check.Target, env Env) Execution {
	if !def.Applies(target) {
		return Execution{Skipped: true}
	}
	if env.Logger == nil {
		env.Logger = r.logger
	}

	exec := Execution{
		Record: trace.CheckRecord{
			CheckID:         def.ID(),
			TargetRequestID: target.ID(),
			Steps:           []trace.StepRecord{},
		},
		Findings: []check.Finding{},
	}
	fail := func(code trace.ErrorCode, msg string) Execution {
		exec.Record.Status = trace.StatusFailed
		exec.Record.Error = &trace.ExecError{Code: code, Message: msg}
		r.logger.Warn("check execution failed",
			zap.String("check", def.ID()),
			zap.String("target", target.ID()),
			zap.String("code", string(code)),
			zap.String("error", msg))
		return exec
	}

	sc := newContext(ctx, def, target, env)

	state, err := initialState(def)
	if err != nil {
		return fail(classify(err), err.Error())
	}

	current := def.entry
	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			return fail(trace.CodeInterrupted, InterruptReason(ctx))
		}
		if turn >= r.maxTurns {
			return fail(trace.CodeRuntimeError, fmt.Sprintf("exceeded %d steps without finishing", r.maxTurns))
		}

		st := def.steps[current]
		before, err := snapshot(state)
		if err != nil {
			return fail(trace.CodeRuntimeError, err.Error())
		}

		res, err := invoke(st, state, sc)
		if err != nil {
			code := classify(err)
			msg := err.Error()
			if code == trace.CodeInterrupted && ctx.Err() != nil {
				msg = InterruptReason(ctx)
			}
			return fail(code, msg)
		}

		after, err := snapshot(res.state)
		if err != nil {
			return fail(trace.CodeRuntimeError, err.Error())
		}
		findings, err := normalizeFindings(res.findings, target)
		if err != nil {
			return fail(trace.CodeRuntimeError, err.Error())
		}

		rec := trace.StepRecord{
			StepName:    st.name,
			StateBefore: before,
			StateAfter:  after,
			Findings:    findings,
		}
		if res.done {
			rec.Result = trace.ResultDone
		} else {
			rec.Result = trace.ResultContinue
			rec.NextStep = res.next
		}
		exec.Record.Steps = append(exec.Record.Steps, rec)
		if env.Hooks.OnStep != nil {
			env.Hooks.OnStep(rec)
		}
		for _, f := range findings {
			exec.Findings = append(exec.Findings, f)
			if env.Hooks.OnFinding != nil {
				env.Hooks.OnFinding(f)
			}
		}

		if res.done {
			exec.Record.Status = trace.StatusCompleted
			exec.Record.FinalOutput = after
			return exec
		}

		if _, ok := def.steps[res.next]; !ok || !st.allows(res.next) {
			return fail(trace.CodeRuntimeError,
				fmt.Sprintf("step %q continued to undeclared step %q", st.name, res.next))
		}
		state = res.state
		current = res.next
	}
}

func initialState(def *Definition) (state any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return def.init(), nil
}

func invoke(st *step, state any, sc *Context) (res rawResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return st.run(state, sc)
}

func snapshot(state any) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	return data, nil
}

func normalizeFindings(in []check.Finding, target check.Target) ([]check.Finding, error) {
	out := make([]check.Finding, 0, len(in))
	for _, f := range in {
		if f.Correlation.RequestID == "" {
			f.Correlation.RequestID = target.ID()
		}
		if f.Correlation.Locations == nil {
			f.Correlation.Locations = []check.Location{}
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid finding %q: %w", f.Name, err)
		}
		out = append(out, f)
	}
	return out, nil
}
