package checker

import (
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

// empty is the state of single-step checks.
type empty struct{}

// MissingContentType reports responses with a body but no Content-Type header.
var MissingContentType = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("checkMissingContentType", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		t := sc.Target()
		if !t.Response.HasBody() || t.Response.Header("Content-Type") != "" {
			return engine.Done(st), nil
		}

		finding := check.NewFinding("Content-Type Header Missing", check.SeverityInfo, t.Request).
			WithDescription("This response is missing the Content-Type header, forcing the browser to guess how to handle the content.").
			WithImpact("Browsers may sniff the body and interpret attacker-controlled content as HTML or script, which can lead to cross-site scripting.").
			WithRecommendation("Declare the content type of every response with the Content-Type header, and add 'X-Content-Type-Options: nosniff'.").
			Build()
		return engine.Done(st, finding), nil
	})

	return engine.Spec[empty]{
		Metadata: check.Metadata{
			ID:           "missing-content-type",
			Name:         "Missing Content-Type Header",
			Description:  "Detects responses that do not specify a Content-Type header, which enables MIME sniffing",
			Type:         check.TypePassive,
			Tags:         []string{"security-headers", "xss", "mime-type"},
			Severities:   []check.Severity{check.SeverityInfo},
			Aggressivity: check.Aggressivity{},
		},
		DedupeKey: hostPortPath(),
		When: func(t check.Target) bool {
			return hasResponse(t) && t.Response.HasBody()
		},
	}
})
