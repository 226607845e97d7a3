package checker

import (
	"fmt"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

type corsReport struct {
	allowOrigin      string
	allowCredentials bool
	varyOrigin       bool
	allowHeaders     string
	exposeHeaders    string
}

func readCORS(resp *check.Response) corsReport {
	return corsReport{
		allowOrigin:      strings.TrimSpace(resp.Header("Access-Control-Allow-Origin")),
		allowCredentials: strings.EqualFold(strings.TrimSpace(resp.Header("Access-Control-Allow-Credentials")), "true"),
		varyOrigin:       varyIncludesOrigin(resp.Headers.Values("Vary")),
		allowHeaders:     resp.Header("Access-Control-Allow-Headers"),
		exposeHeaders:    resp.Header("Access-Control-Expose-Headers"),
	}
}

// CORSMisconfig inspects CORS response headers for permissive origins (OWASP A5:2021).
var CORSMisconfig = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("analyzeCORS", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		t := sc.Target()
		report := readCORS(t.Response)

		var issues []string
		if report.allowHeaders != "" && strings.Contains(report.allowHeaders, "*") {
			issues = append(issues, "Access-Control-Allow-Headers allows any header (*)")
		}
		if report.exposeHeaders != "" && strings.Contains(report.exposeHeaders, "*") {
			issues = append(issues, "Access-Control-Expose-Headers exposes all headers (*)")
		}

		var finding check.Finding
		switch {
		case report.allowOrigin == "null":
			finding = check.NewFinding("CORS Allows null Origin", check.SeverityMedium, t.Request).
				WithDescription("The response trusts the `null` origin. Sandboxed iframes and local files send this origin, so any site can obtain it.").
				WithArtifacts("Issues", append([]string{"Access-Control-Allow-Origin: null"}, issues...)).
				WithImpact("A malicious page can read this response cross-origin, including data tied to the victim's session when credentials are allowed.").
				WithRecommendation("Never allow the `null` origin. Reflect only origins from an explicit allow-list.").
				Build()
		case report.allowOrigin == "*" && report.allowCredentials:
			finding = check.NewFinding("CORS Wildcard Origin With Credentials", check.SeverityMedium, t.Request).
				WithDescription("The response allows any origin and also sets `Access-Control-Allow-Credentials: true`. Browsers refuse this pair, which usually means the server reflects arbitrary origins for credentialed requests elsewhere.").
				WithArtifacts("Issues", append([]string{"Access-Control-Allow-Origin: *", "Access-Control-Allow-Credentials: true"}, issues...)).
				WithImpact("Any site may be able to read authenticated responses from this endpoint.").
				WithRecommendation("Restrict allowed origins to an explicit list and only allow credentials for those origins.").
				Build()
		case report.allowOrigin == "*":
			finding = check.NewFinding("CORS Allows Any Origin", check.SeverityLow, t.Request).
				WithDescription("The response sets `Access-Control-Allow-Origin: *`, so any website can read it.").
				WithArtifacts("Issues", append([]string{"Access-Control-Allow-Origin: *"}, issues...)).
				WithImpact("Data returned by this endpoint is readable by every origin. This is only acceptable for public resources.").
				WithRecommendation("Restrict Access-Control-Allow-Origin to trusted origins unless the resource is intentionally public.").
				Build()
		case report.allowOrigin != "" && !report.varyOrigin && report.allowCredentials:
			finding = check.NewFinding("CORS Origin Reflected Without Vary", check.SeverityLow, t.Request).
				WithDescription(fmt.Sprintf("The response allows the origin `%s` with credentials but does not declare `Vary: Origin`.", report.allowOrigin)).
				WithArtifacts("Issues", append([]string{"Vary: Origin header missing (responses may be cached incorrectly)"}, issues...)).
				WithImpact("Shared caches may serve a response meant for one origin to another.").
				WithRecommendation("Add `Vary: Origin` to every response whose CORS headers depend on the request origin.").
				Build()
		default:
			return engine.Done(st), nil
		}
		return engine.Done(st, finding), nil
	})

	return engine.Spec[empty]{
		Metadata: check.Metadata{
			ID:          "cors-misconfig",
			Name:        "CORS Misconfiguration",
			Description: "Detects permissive Access-Control-Allow-Origin values on captured responses",
			Type:        check.TypePassive,
			Tags:        []string{"cors", "owasp-a05"},
			Severities:  []check.Severity{check.SeverityLow, check.SeverityMedium},
		},
		DedupeKey: hostPortPath(),
		When: func(t check.Target) bool {
			return hasResponse(t) && t.Response.Header("Access-Control-Allow-Origin") != ""
		},
	}
})

func varyIncludesOrigin(values []string) bool {
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "origin") {
				return true
			}
		}
	}
	return false
}
