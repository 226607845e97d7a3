package checker

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

type cookieIssue struct {
	name   string
	issues []string
}

func analyzeCookies(t check.Target) []cookieIssue {
	cookies := (&http.Response{Header: t.Response.Headers}).Cookies()
	https := strings.EqualFold(t.Request.Scheme, "https")

	var out []cookieIssue
	for _, c := range cookies {
		var issues []string
		if !c.HttpOnly {
			issues = append(issues, "missing HttpOnly")
		}
		if https && !c.Secure {
			issues = append(issues, "missing Secure on an HTTPS response")
		}
		if c.SameSite == http.SameSiteNoneMode && !c.Secure {
			issues = append(issues, "SameSite=None without Secure")
		}
		if len(issues) > 0 {
			out = append(out, cookieIssue{name: c.Name, issues: issues})
		}
	}
	return out
}

// CookieFlags inspects Set-Cookie headers for missing Secure/HttpOnly flags.
var CookieFlags = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("analyzeCookies", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		t := sc.Target()
		problems := analyzeCookies(t)
		if len(problems) == 0 {
			return engine.Done(st), nil
		}

		artifacts := make([]string, 0, len(problems))
		for _, p := range problems {
			artifacts = append(artifacts, fmt.Sprintf("`%s`: %s", p.name, strings.Join(p.issues, ", ")))
		}
		finding := check.NewFinding("Insecure Cookie Flags", check.SeverityLow, t.Request).
			WithDescription("One or more cookies set by this response lack protective attributes.").
			WithArtifacts("Cookies", artifacts).
			WithImpact("Cookies without HttpOnly are readable from script after an XSS. Cookies without Secure can leak over plain HTTP.").
			WithRecommendation("Set HttpOnly and Secure on session cookies, and pair SameSite=None with Secure.").
			Build()
		return engine.Done(st, finding), nil
	})

	return engine.Spec[empty]{
		Metadata: check.Metadata{
			ID:          "cookie-flags",
			Name:        "Insecure Cookie Flags",
			Description: "Detects cookies set without HttpOnly or Secure, and SameSite=None cookies without Secure",
			Type:        check.TypePassive,
			Tags:        []string{"cookies", "session-management"},
			Severities:  []check.Severity{check.SeverityLow},
		},
		DedupeKey: hostPortPath(),
		When: func(t check.Target) bool {
			return hasResponse(t) && len(t.Response.Headers.Values("Set-Cookie")) > 0
		},
	}
})
