package checker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// CSPPolicy sets the severity reported for each class of Content-Security-Policy problem.
type CSPPolicy struct {
	Missing        check.Severity `json:"missing" yaml:"missing" mapstructure:"missing"`
	ReportOnly     check.Severity `json:"report_only" yaml:"report_only" mapstructure:"report_only"`
	UnsafeInline   check.Severity `json:"unsafe_inline" yaml:"unsafe_inline" mapstructure:"unsafe_inline"`
	UnsafeEval     check.Severity `json:"unsafe_eval" yaml:"unsafe_eval" mapstructure:"unsafe_eval"`
	Wildcard       check.Severity `json:"wildcard" yaml:"wildcard" mapstructure:"wildcard"`
	InsecureScheme check.Severity `json:"insecure_scheme" yaml:"insecure_scheme" mapstructure:"insecure_scheme"`
}

// DefaultCSPPolicy returns the severities used when none are configured.
func DefaultCSPPolicy() CSPPolicy {
	return CSPPolicy{
		Missing:        check.SeverityLow,
		ReportOnly:     check.SeverityInfo,
		UnsafeInline:   check.SeverityHigh,
		UnsafeEval:     check.SeverityMedium,
		Wildcard:       check.SeverityMedium,
		InsecureScheme: check.SeverityMedium,
	}
}

// Validate fills unset fields from the defaults and rejects unknown severities.
func (p CSPPolicy) Validate() (CSPPolicy, error) {
	def := DefaultCSPPolicy()
	fields := []struct {
		name string
		val  *check.Severity
		dflt check.Severity
	}{
		{"missing", &p.Missing, def.Missing},
		{"report_only", &p.ReportOnly, def.ReportOnly},
		{"unsafe_inline", &p.UnsafeInline, def.UnsafeInline},
		{"unsafe_eval", &p.UnsafeEval, def.UnsafeEval},
		{"wildcard", &p.Wildcard, def.Wildcard},
		{"insecure_scheme", &p.InsecureScheme, def.InsecureScheme},
	}
	for _, f := range fields {
		if *f.val == "" {
			*f.val = f.dflt
			continue
		}
		if !f.val.IsValid() {
			return p, fmt.Errorf("%w: csp.%s has unknown severity %q", sharedErrors.ErrInvalidConfig, f.name, *f.val)
		}
	}
	return p, nil
}

func uniqueSeverities(in ...check.Severity) []check.Severity {
	seen := make(map[check.Severity]bool, len(in))
	var out []check.Severity
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score() < out[j].Score() })
	return out
}

// parseCSPDirectives splits a policy into lower-cased directives and their sources.
// Later duplicates of a directive are ignored, as browsers do.
func parseCSPDirectives(value string) map[string][]string {
	result := make(map[string][]string)
	for _, part := range strings.Split(strings.ToLower(value), ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if _, seen := result[name]; seen {
			continue
		}
		result[name] = append([]string{}, fields[1:]...)
	}
	return result
}

// scriptSources returns script-src, falling back to default-src.
func scriptSources(directives map[string][]string) (string, []string, bool) {
	if src, ok := directives["script-src"]; ok {
		return "script-src", src, true
	}
	if src, ok := directives["default-src"]; ok {
		return "default-src", src, true
	}
	return "", nil, false
}

type cspIssue struct {
	name     string
	severity check.Severity
	detail   string
	impact   string
	fix      string
}

func weakCSPIssues(policy CSPPolicy, header string) []cspIssue {
	directives := parseCSPDirectives(header)
	directive, sources, ok := scriptSources(directives)

	var issues []cspIssue
	if !ok {
		issues = append(issues, cspIssue{
			name:     "CSP Does Not Restrict Scripts",
			severity: policy.Wildcard,
			detail:   "The policy declares neither `script-src` nor `default-src`, so scripts may load from any origin.",
			impact:   "The policy offers no protection against injected scripts.",
			fix:      "Add a `default-src 'self'` fallback and an explicit `script-src` directive.",
		})
		return issues
	}

	var wildcard, insecure []string
	hasNonce := false
	for _, src := range sources {
		switch {
		case src == "'unsafe-inline'":
		case src == "'unsafe-eval'":
		case strings.HasPrefix(src, "'nonce-") || strings.HasPrefix(src, "'sha256-") ||
			strings.HasPrefix(src, "'sha384-") || strings.HasPrefix(src, "'sha512-") || src == "'strict-dynamic'":
			hasNonce = true
		case src == "*" || src == "data:" || src == "blob:" || src == "filesystem:" || src == "https:":
			wildcard = append(wildcard, src)
		case src == "http:" || strings.HasPrefix(src, "http://"):
			insecure = append(insecure, src)
		}
	}

	// 'unsafe-inline' is ignored by browsers once a nonce or hash is present.
	if contains(sources, "'unsafe-inline'") && !hasNonce {
		issues = append(issues, cspIssue{
			name:     "CSP Allows unsafe-inline Scripts",
			severity: policy.UnsafeInline,
			detail:   fmt.Sprintf("`%s` contains `'unsafe-inline'`, which lets inline scripts and event handlers run.", directive),
			impact:   "Any HTML injection becomes script execution, which removes the main protection CSP offers against XSS.",
			fix:      "Remove `'unsafe-inline'` and authorize inline scripts with nonces or hashes.",
		})
	}
	if contains(sources, "'unsafe-eval'") {
		issues = append(issues, cspIssue{
			name:     "CSP Allows unsafe-eval",
			severity: policy.UnsafeEval,
			detail:   fmt.Sprintf("`%s` contains `'unsafe-eval'`, which allows `eval()` and similar functions.", directive),
			impact:   "String-to-code sinks stay available to an attacker who controls data passed to them.",
			fix:      "Remove `'unsafe-eval'` and refactor code that builds scripts from strings.",
		})
	}
	if len(wildcard) > 0 {
		issues = append(issues, cspIssue{
			name:     "CSP Allows Scripts From Any Source",
			severity: policy.Wildcard,
			detail:   fmt.Sprintf("`%s` allows overly broad sources: `%s`.", directive, strings.Join(wildcard, "`, `")),
			impact:   "An attacker can host a script on any allowed source and load it into the page.",
			fix:      "List explicit origins instead of wildcards or scheme-only sources.",
		})
	}
	if len(insecure) > 0 {
		issues = append(issues, cspIssue{
			name:     "CSP Allows Scripts Over HTTP",
			severity: policy.InsecureScheme,
			detail:   fmt.Sprintf("`%s` allows scripts over plain HTTP: `%s`.", directive, strings.Join(insecure, "`, `")),
			impact:   "A network attacker can replace these scripts in transit.",
			fix:      "Only allow `https:` origins for scripts.",
		})
	}
	return issues
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func isHTMLResponse(t check.Target) bool {
	return hasResponse(t) && t.Response.IsHTML()
}

// NewCSPChecks builds csp-missing and csp-weak with the given severities.
func NewCSPChecks(policy CSPPolicy) ([]*engine.Definition, error) {
	policy, err := policy.Validate()
	if err != nil {
		return nil, err
	}

	missing, err := engine.Define(func(s *engine.Steps[empty]) engine.Spec[empty] {
		s.Step("checkCSPHeader", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
			t := sc.Target()
			if t.Response.Header("Content-Security-Policy") != "" {
				return engine.Done(st), nil
			}
			if reportOnly := t.Response.Header("Content-Security-Policy-Report-Only"); reportOnly != "" {
				finding := check.NewFinding("CSP Is Report-Only", policy.ReportOnly, t.Request).
					WithDescription("The page only sends `Content-Security-Policy-Report-Only`. Violations are reported but nothing is blocked.").
					WithArtifacts("Policy", []string{reportOnly}).
					WithRecommendation("Once the reports are clean, send the same policy as `Content-Security-Policy`.").
					Build()
				return engine.Done(st, finding), nil
			}
			finding := check.NewFinding("Content-Security-Policy Header Missing", policy.Missing, t.Request).
				WithDescription("The HTML response has no Content-Security-Policy header.").
				WithImpact("The browser applies no restriction on script sources, so any injection can run arbitrary JavaScript.").
				WithRecommendation("Send a Content-Security-Policy with at least `default-src 'self'` and an explicit `script-src`.").
				Build()
			return engine.Done(st, finding), nil
		})

		return engine.Spec[empty]{
			Metadata: check.Metadata{
				ID:          "csp-missing",
				Name:        "Content-Security-Policy Missing",
				Description: "Detects HTML responses without an enforced Content-Security-Policy",
				Type:        check.TypePassive,
				Tags:        []string{"csp", "security-headers", "xss"},
				Severities:  uniqueSeverities(policy.Missing, policy.ReportOnly),
			},
			DedupeKey: hostPortPath(),
			When:      isHTMLResponse,
		}
	})
	if err != nil {
		return nil, err
	}

	weak, err := engine.Define(func(s *engine.Steps[empty]) engine.Spec[empty] {
		s.Step("analyzePolicy", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
			t := sc.Target()
			header := t.Response.Header("Content-Security-Policy")
			if header == "" {
				return engine.Done(st), nil
			}
			var findings []check.Finding
			for _, issue := range weakCSPIssues(policy, header) {
				findings = append(findings, check.NewFinding(issue.name, issue.severity, t.Request).
					WithDescription(issue.detail).
					WithArtifacts("Policy", []string{header}).
					WithImpact(issue.impact).
					WithRecommendation(issue.fix).
					Build())
			}
			return engine.Done(st, findings...), nil
		})

		return engine.Spec[empty]{
			Metadata: check.Metadata{
				ID:          "csp-weak",
				Name:        "Weak Content-Security-Policy",
				Description: "Detects unsafe script sources in an enforced Content-Security-Policy",
				Type:        check.TypePassive,
				Tags:        []string{"csp", "security-headers", "xss"},
				Severities:  uniqueSeverities(policy.UnsafeInline, policy.UnsafeEval, policy.Wildcard, policy.InsecureScheme),
			},
			DedupeKey: hostPortPath(),
			When: func(t check.Target) bool {
				return isHTMLResponse(t) && t.Response.Header("Content-Security-Policy") != ""
			},
		}
	})
	if err != nil {
		return nil, err
	}
	return []*engine.Definition{missing, weak}, nil
}
