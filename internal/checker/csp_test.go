package checker

import (
	"errors"
	"net/http"
	"testing"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func cspChecks(t *testing.T, policy CSPPolicy) (missing, weak *engine.Definition) {
	t.Helper()
	defs, err := NewCSPChecks(policy)
	if err != nil {
		t.Fatalf("NewCSPChecks: %v", err)
	}
	return defs[0], defs[1]
}

func TestCSPMissing(t *testing.T) {
	missing, _ := cspChecks(t, DefaultCSPPolicy())

	exec := run(t, missing, htmlTarget("https", nil, "<html></html>"), runOptions{})
	if len(exec.Findings) != 1 || exec.Findings[0].Severity != check.SeverityLow {
		t.Fatalf("expected one low finding, got %+v", exec.Findings)
	}
}

func TestCSPMissing_ReportOnly(t *testing.T) {
	missing, _ := cspChecks(t, DefaultCSPPolicy())
	headers := http.Header{"Content-Security-Policy-Report-Only": {"default-src 'self'"}}

	exec := run(t, missing, htmlTarget("https", headers, "<html></html>"), runOptions{})
	if len(exec.Findings) != 1 || exec.Findings[0].Name != "CSP Is Report-Only" {
		t.Fatalf("expected report-only finding, got %v", findingNames(exec.Findings))
	}
	if exec.Findings[0].Severity != check.SeverityInfo {
		t.Errorf("expected info severity, got %s", exec.Findings[0].Severity)
	}
}

func TestCSPMissing_SeverityIsConfigurable(t *testing.T) {
	missing, _ := cspChecks(t, CSPPolicy{Missing: check.SeverityHigh})

	exec := run(t, missing, htmlTarget("https", nil, "<html></html>"), runOptions{})
	if len(exec.Findings) != 1 || exec.Findings[0].Severity != check.SeverityHigh {
		t.Fatalf("expected configured high severity, got %+v", exec.Findings)
	}
	if !missing.Metadata().DeclaresSeverity([]check.Severity{check.SeverityHigh}) {
		t.Error("expected metadata to declare the configured severity")
	}
}

func TestCSPChecks_SkipNonHTML(t *testing.T) {
	missing, weak := cspChecks(t, DefaultCSPPolicy())
	target := htmlTarget("https", http.Header{"Content-Type": {"application/json"}}, `{"ok":true}`)

	for _, def := range []*engine.Definition{missing, weak} {
		exec := run(t, def, target, runOptions{})
		if !exec.Skipped || len(exec.Record.Steps) != 0 {
			t.Errorf("%s: expected JSON response to be skipped with no history", def.ID())
		}
	}
}

func TestCSPWeak(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		want   []string
	}{
		{
			name:   "strict",
			policy: "default-src 'self'; script-src 'self' 'nonce-abc'",
			want:   nil,
		},
		{
			name:   "unsafe inline and eval",
			policy: "default-src 'self'; script-src 'self' 'unsafe-inline' 'unsafe-eval'",
			want:   []string{"CSP Allows unsafe-inline Scripts", "CSP Allows unsafe-eval"},
		},
		{
			name:   "unsafe inline neutralised by nonce",
			policy: "script-src 'nonce-abc' 'unsafe-inline'",
			want:   nil,
		},
		{
			name:   "default-src fallback wildcard",
			policy: "default-src *; img-src 'self'",
			want:   []string{"CSP Allows Scripts From Any Source"},
		},
		{
			name:   "insecure scheme",
			policy: "script-src 'self' http://cdn.example.com",
			want:   []string{"CSP Allows Scripts Over HTTP"},
		},
		{
			name:   "no script restriction",
			policy: "img-src 'self'",
			want:   []string{"CSP Does Not Restrict Scripts"},
		},
	}

	_, weak := cspChecks(t, DefaultCSPPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{"Content-Security-Policy": {tt.policy}}
			exec := run(t, weak, htmlTarget("https", headers, "<html></html>"), runOptions{})
			got := findingNames(exec.Findings)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("finding %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestCSPWeak_UsesPolicySeverities(t *testing.T) {
	policy := DefaultCSPPolicy()
	policy.UnsafeInline = check.SeverityCritical
	_, weak := cspChecks(t, policy)

	headers := http.Header{"Content-Security-Policy": {"script-src 'unsafe-inline'"}}
	exec := run(t, weak, htmlTarget("https", headers, "<html></html>"), runOptions{})
	if len(exec.Findings) != 1 || exec.Findings[0].Severity != check.SeverityCritical {
		t.Fatalf("expected critical finding, got %+v", exec.Findings)
	}
}

func TestCSPPolicyValidate(t *testing.T) {
	p, err := CSPPolicy{Wildcard: check.SeverityHigh}.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Wildcard != check.SeverityHigh || p.Missing != DefaultCSPPolicy().Missing {
		t.Fatalf("expected defaults to fill unset fields, got %+v", p)
	}

	_, err = NewCSPChecks(CSPPolicy{Missing: "urgent"})
	if !errors.Is(err, sharedErrors.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParseCSPDirectives(t *testing.T) {
	directives := parseCSPDirectives("Default-Src 'self'; ; script-src 'self' https://a.example; script-src *; upgrade-insecure-requests")
	if len(directives) != 3 {
		t.Fatalf("expected 3 directives, got %v", directives)
	}
	if got := directives["script-src"]; len(got) != 2 || got[1] != "https://a.example" {
		t.Errorf("expected first script-src to win, got %v", got)
	}
	if got, ok := directives["upgrade-insecure-requests"]; !ok || len(got) != 0 {
		t.Errorf("expected valueless directive, got %v", got)
	}
}
