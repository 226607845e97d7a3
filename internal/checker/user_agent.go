package checker

import (
	"fmt"

	"github.com/khanhnv2901/seca-scan/internal/dedupe"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

type userAgentProfile struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var userAgentProfiles = []userAgentProfile{
	{Name: "desktop", Value: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
	{Name: "mobile", Value: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"},
	{Name: "googlebot", Value: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"},
	{Name: "curl", Value: "curl/8.4.0"},
}

// bodyLengthTolerance absorbs dynamic content such as timestamps and nonces.
const bodyLengthTolerance = 100

type userAgentObservation struct {
	Agent     string `json:"agent"`
	RequestID string `json:"requestId"`
	Code      int    `json:"code"`
	Length    int    `json:"length"`
}

type userAgentState struct {
	Observations []userAgentObservation `json:"observations"`
}

// UserAgentDependentResponse replays a request with several User-Agent
// values and reports when the server answers them differently.
var UserAgentDependentResponse = engine.MustDefine(func(s *engine.Steps[userAgentState]) engine.Spec[userAgentState] {
	s.Step("probeUserAgents", func(st userAgentState, sc *engine.Context) (engine.Result[userAgentState], error) {
		profiles := userAgentProfiles
		if budget := sc.ProbeBudget(); budget < len(profiles) {
			profiles = profiles[:budget]
		}
		if len(profiles) == 0 {
			return engine.Done(st), nil
		}

		specs := make([]check.RequestSpec, len(profiles))
		for i, p := range profiles {
			spec := sc.Target().Request.ToSpec()
			spec.SetHeader("User-Agent", p.Value)
			specs[i] = spec
		}

		next := userAgentState{Observations: make([]userAgentObservation, 0, len(profiles))}
		for i, res := range sc.SendAll(specs) {
			if res.Err != nil || res.Skipped || res.Target.Response == nil {
				continue
			}
			next.Observations = append(next.Observations, userAgentObservation{
				Agent:     profiles[i].Name,
				RequestID: res.Target.ID(),
				Code:      res.Target.Response.Code,
				Length:    len(res.Target.Response.Body),
			})
		}
		return engine.Continue("evaluateDifferences", next), nil
	}, "evaluateDifferences")

	s.Step("evaluateDifferences", func(st userAgentState, sc *engine.Context) (engine.Result[userAgentState], error) {
		base := sc.Target().Response
		var artifacts []string
		var evidence *check.Request
		for _, o := range st.Observations {
			var diff string
			switch {
			case o.Code != base.Code:
				diff = fmt.Sprintf("`%s`: status %d instead of %d", o.Agent, o.Code, base.Code)
			case abs(o.Length-len(base.Body)) > bodyLengthTolerance:
				diff = fmt.Sprintf("`%s`: body of %d bytes instead of %d", o.Agent, o.Length, len(base.Body))
			default:
				continue
			}
			artifacts = append(artifacts, diff)
			if evidence == nil {
				evidence = &check.Request{ID: o.RequestID}
			}
		}
		if len(artifacts) == 0 {
			return engine.Done(st), nil
		}

		finding := check.NewFinding("User-Agent Dependent Response", check.SeverityMedium, evidence).
			WithDescription("The server returns a different response depending on the User-Agent header. Content served to crawlers or specific clients may bypass the protections applied to regular browsers.").
			WithArtifacts("Differences", artifacts).
			WithImpact("Attackers can spoof a User-Agent to reach content or behaviour hidden from regular users, such as debug pages or unprotected endpoints.").
			WithRecommendation("Serve equivalent content to every client, or make sure User-Agent based variations do not weaken access control.").
			Build()
		return engine.Done(st, finding), nil
	})

	return engine.Spec[userAgentState]{
		Metadata: check.Metadata{
			ID:           "user-agent-dependent-response",
			Name:         "User-Agent Dependent Response",
			Description:  "Detects endpoints that answer differently depending on the User-Agent header",
			Type:         check.TypeActive,
			Tags:         []string{"cloaking", "access-control"},
			Severities:   []check.Severity{check.SeverityMedium},
			Aggressivity: check.Aggressivity{MinRequests: 0, MaxRequests: len(userAgentProfiles)},
		},
		DedupeKey: dedupe.New().WithHost().WithPath().Build(),
		When:      hasResponse,
	}
})

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
