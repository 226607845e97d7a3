package checker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/domain/trace"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

func htmlTarget(scheme string, headers http.Header, body string) check.Target {
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "text/html; charset=utf-8")
	}
	return check.Target{
		Request:  &check.Request{ID: "req-1", Method: "GET", Scheme: scheme, Host: "app.example.com", Path: "/", Headers: http.Header{}},
		Response: &check.Response{ID: "resp-1", Code: 200, Headers: headers, Body: []byte(body)},
	}
}

// fakeSender answers every probe with respond and records what it was sent.
type fakeSender struct {
	mu      sync.Mutex
	sent    []check.RequestSpec
	respond func(spec check.RequestSpec) *check.Response
}

func (f *fakeSender) Send(ctx context.Context, spec check.RequestSpec) (check.Target, error) {
	f.mu.Lock()
	f.sent = append(f.sent, spec)
	n := len(f.sent)
	f.mu.Unlock()

	req := &check.Request{
		ID:      fmt.Sprintf("probe-%d", n),
		Method:  spec.Method,
		Scheme:  spec.Scheme,
		Host:    spec.Host,
		Port:    spec.Port,
		Path:    spec.Path,
		Query:   spec.Query,
		Headers: spec.Headers,
		Body:    spec.Body,
	}
	return check.Target{Request: req, Response: f.respond(spec)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type runOptions struct {
	aggressivity config.Aggressivity
	sender       engine.Sender
	deps         map[string][]check.Finding
}

func run(t *testing.T, def *engine.Definition, target check.Target, opts runOptions) engine.Execution {
	t.Helper()
	cfg := config.Default()
	if opts.aggressivity != "" {
		cfg.Aggressivity = opts.aggressivity
	}
	env := engine.Env{
		Sender: opts.sender,
		Config: cfg,
		DependencyFindings: func(id string) []check.Finding {
			return opts.deps[id]
		},
	}
	exec := engine.NewRuntime(nil).Execute(context.Background(), def, target, env)
	if !exec.Skipped && exec.Record.Status != trace.StatusCompleted {
		t.Fatalf("%s did not complete: %+v", def.ID(), exec.Record.Error)
	}
	return exec
}

func findingNames(findings []check.Finding) []string {
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Name
	}
	return names
}
