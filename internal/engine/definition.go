package engine

import (
	"fmt"

	"github.com/khanhnv2901/seca-scan/internal/dedupe"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Result is what a step returns: either Done or Continue.
type Result[S any] struct {
	done     bool
	next     string
	state    S
	findings []check.Finding
}

// Done ends the check execution with the final state and any findings.
func Done[S any](state S, findings ...check.Finding) Result[S] {
	return Result[S]{done: true, state: state, findings: findings}
}

// Continue hands execution to the named step on the next turn.
func Continue[S any](nextStep string, state S) Result[S] {
	return Result[S]{next: nextStep, state: state}
}

// StepFunc is one named transition of a check's state machine. Steps must
// not mutate the state they receive; they return the new state instead.
type StepFunc[S any] func(state S, sc *Context) (Result[S], error)

// Spec is returned by a check's builder.
type Spec[S any] struct {
	Metadata check.Metadata
	// InitState produces the zero state. A nil InitState uses the zero value of S.
	InitState func() S
	// DedupeKey fingerprints targets. Nil disables deduplication for the check.
	DedupeKey dedupe.KeyFunc
	// When gates the check before any step runs. Nil means always.
	When func(check.Target) bool
}

type stepDecl[S any] struct {
	name string
	fn   StepFunc[S]
	next []string
}

// Steps collects step registrations while a check is being defined.
type Steps[S any] struct {
	decls []stepDecl[S]
}

// Step registers a step and the steps it may continue to.
// The first registered step is the entry point.
func (s *Steps[S]) Step(name string, fn StepFunc[S], next ...string) {
	s.decls = append(s.decls, stepDecl[S]{name: name, fn: fn, next: next})
}

type rawResult struct {
	done     bool
	next     string
	state    any
	findings []check.Finding
}

type step struct {
	name string
	next map[string]struct{}
	run  func(state any, sc *Context) (rawResult, error)
}

func (s *step) allows(next string) bool {
	_, ok := s.next[next]
	return ok
}

// Definition is a validated, immutable check. It is safe to share across concurrent scans.
type Definition struct {
	meta  check.Metadata
	key   dedupe.KeyFunc
	when  func(check.Target) bool
	init  func() any
	entry string
	order []string
	steps map[string]*step
}

// Define builds a check definition and validates its step graph.
// Every declared successor must be a registered step.
func Define[S any](build func(*Steps[S]) Spec[S]) (*Definition, error) {
	if build == nil {
		return nil, fmt.Errorf("%w: nil builder", sharedErrors.ErrInvalidDefinition)
	}
	reg := &Steps[S]{}
	spec := build(reg)

	if err := spec.Metadata.Validate(); err != nil {
		return nil, err
	}
	id := spec.Metadata.ID
	if len(reg.decls) == 0 {
		return nil, fmt.Errorf("%w: check %s registers no steps", sharedErrors.ErrInvalidDefinition, id)
	}

	def := &Definition{
		meta:  cloneMetadata(spec.Metadata),
		key:   spec.DedupeKey,
		when:  spec.When,
		entry: reg.decls[0].name,
		steps: make(map[string]*step, len(reg.decls)),
	}

	initState := spec.InitState
	def.init = func() any {
		if initState == nil {
			var zero S
			return zero
		}
		return initState()
	}

	for _, d := range reg.decls {
		if d.name == "" || d.fn == nil {
			return nil, fmt.Errorf("%w: check %s has an unnamed or nil step", sharedErrors.ErrInvalidDefinition, id)
		}
		if _, dup := def.steps[d.name]; dup {
			return nil, fmt.Errorf("%w: check %s registers step %q twice", sharedErrors.ErrInvalidDefinition, id, d.name)
		}
		fn := d.fn
		s := &step{name: d.name, next: make(map[string]struct{}, len(d.next))}
		for _, n := range d.next {
			s.next[n] = struct{}{}
		}
		s.run = func(state any, sc *Context) (rawResult, error) {
			var typed S
			if state != nil {
				t, ok := state.(S)
				if !ok {
					return rawResult{}, fmt.Errorf("state has type %T", state)
				}
				typed = t
			}
			res, err := fn(typed, sc)
			if err != nil {
				return rawResult{}, err
			}
			return rawResult{done: res.done, next: res.next, state: res.state, findings: res.findings}, nil
		}
		def.steps[d.name] = s
		def.order = append(def.order, d.name)
	}

	for _, name := range def.order {
		for next := range def.steps[name].next {
			if _, ok := def.steps[next]; !ok {
				return nil, fmt.Errorf("%w: check %s step %q continues to unregistered step %q",
					sharedErrors.ErrUnknownStep, id, name, next)
			}
		}
	}

	return def, nil
}

// MustDefine is Define for package-level checks; it panics on an invalid definition.
func MustDefine[S any](build func(*Steps[S]) Spec[S]) *Definition {
	def, err := Define(build)
	if err != nil {
		panic(err)
	}
	return def
}

func cloneMetadata(m check.Metadata) check.Metadata {
	m.Tags = append([]string(nil), m.Tags...)
	m.Severities = append([]check.Severity(nil), m.Severities...)
	m.DependsOn = append([]string(nil), m.DependsOn...)
	return m
}

// ID returns the check's stable identifier.
func (d *Definition) ID() string { return d.meta.ID }

// Metadata returns a copy of the check metadata.
func (d *Definition) Metadata() check.Metadata { return cloneMetadata(d.meta) }

// Applies evaluates the check's applicability predicate.
func (d *Definition) Applies(t check.Target) bool {
	if d.when == nil {
		return true
	}
	return d.when(t)
}

// Deduplicates reports whether the check has a key strategy.
func (d *Definition) Deduplicates() bool { return d.key != nil }

// DedupeKey returns the target's key, or "" when the check does not deduplicate.
func (d *Definition) DedupeKey(t check.Target) string {
	if d.key == nil {
		return ""
	}
	return d.key(t)
}

// EntryStep is the first registered step.
func (d *Definition) EntryStep() string { return d.entry }

// StepNames lists steps in registration order.
func (d *Definition) StepNames() []string { return append([]string(nil), d.order...) }

// Successors lists the steps a step may continue to.
func (d *Definition) Successors(name string) []string {
	s, ok := d.steps[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.next))
	for _, n := range d.order {
		if s.allows(n) {
			out = append(out, n)
		}
	}
	return out
}
