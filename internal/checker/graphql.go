package checker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
)

const graphqlEndpointID = "graphql-endpoint"

var graphqlPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/graphql/?$`),
	regexp.MustCompile(`(?i)/graphql/v\d+/?$`),
	regexp.MustCompile(`(?i)/api/graphql/?$`),
	regexp.MustCompile(`(?i)/gql/?$`),
}

// introspectionQuery is sent when the captured request has no body of its own.
const introspectionQuery = `{"query":"{ __typename }"}`

func isGraphQLPath(path string) bool {
	for _, p := range graphqlPathPatterns {
		if p.MatchString(path) {
			return true
		}
	}
	return false
}

func isGraphQLRequest(body []byte) bool {
	var parsed map[string]json.RawMessage
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	if q, ok := parsed["query"]; ok {
		var s string
		if json.Unmarshal(q, &s) == nil {
			return true
		}
	}
	if op, ok := parsed["operationName"]; ok {
		var s *string
		return json.Unmarshal(op, &s) == nil
	}
	return false
}

// isGraphQLResponse matches {"data": ...} or a non-empty {"errors": [...]}.
// With requireData only the first form matches.
func isGraphQLResponse(body []byte, requireData bool) bool {
	var parsed struct {
		Data   json.RawMessage   `json:"data"`
		Errors []json.RawMessage `json:"errors"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return false
	}
	hasData := parsed.Data != nil
	if requireData {
		return hasData
	}
	return hasData || len(parsed.Errors) > 0
}

type graphqlIndicators struct {
	path, request, response bool
}

func (g graphqlIndicators) any() bool { return g.path || g.request || g.response }

func graphqlSignals(t check.Target) graphqlIndicators {
	if !hasResponse(t) {
		return graphqlIndicators{}
	}
	return graphqlIndicators{
		path:     isGraphQLPath(t.Request.Path),
		request:  len(t.Request.Body) > 0 && isGraphQLRequest(t.Request.Body),
		response: t.Response.HasBody() && isGraphQLResponse(t.Response.Body, false),
	}
}

// GraphQLEndpoint flags targets that look like a GraphQL endpoint.
var GraphQLEndpoint = engine.MustDefine(func(s *engine.Steps[empty]) engine.Spec[empty] {
	s.Step("detect", func(st empty, sc *engine.Context) (engine.Result[empty], error) {
		t := sc.Target()
		signals := graphqlSignals(t)
		if !signals.any() {
			return engine.Done(st), nil
		}

		var indicators []string
		if signals.path {
			indicators = append(indicators, fmt.Sprintf("GraphQL-like path: `%s`", t.Request.Path))
		}
		if signals.request {
			indicators = append(indicators, "Request body contains GraphQL structure (operationName/query)")
		}
		if signals.response {
			indicators = append(indicators, "Response body matches GraphQL structure (data/errors)")
		}

		finding := check.NewFinding("GraphQL Endpoint Discovered", check.SeverityInfo, t.Request).
			WithDescription("A GraphQL endpoint was identified. All operations of a GraphQL server go through a single endpoint, which makes it the entry point for any attack on the API.").
			WithArtifacts("Indicators", indicators).
			WithRecommendation("Disable introspection in production and only accept POST requests with an application/json body.").
			Build()
		return engine.Done(st, finding), nil
	})

	return engine.Spec[empty]{
		Metadata: check.Metadata{
			ID:           graphqlEndpointID,
			Name:         "GraphQL Endpoint Discovered",
			Description:  "Detects GraphQL endpoints from the URL path, the request body and the response body",
			Type:         check.TypePassive,
			Tags:         []string{"graphql", "attack-surface"},
			Severities:   []check.Severity{check.SeverityInfo},
			Aggressivity: check.Aggressivity{},
		},
		DedupeKey: hostPortPath(),
		When: func(t check.Target) bool {
			return hasResponse(t) && t.Response.Code >= 200 && t.Response.Code < 500 && graphqlSignals(t).any()
		},
	}
})

// simpleContentTypes can be sent cross-site by a browser without a preflight.
var simpleContentTypes = []string{
	"application/x-www-form-urlencoded",
	"text/plain",
	"multipart/form-data",
}

type contentTypeState struct {
	Remaining []string `json:"remaining"`
	Accepted  []string `json:"accepted,omitempty"`
}

// GraphQLContentType replays a discovered GraphQL request with CSRF-able
// content types, one probe per turn.
var GraphQLContentType = engine.MustDefine(func(s *engine.Steps[contentTypeState]) engine.Spec[contentTypeState] {
	s.Step("init", func(st contentTypeState, sc *engine.Context) (engine.Result[contentTypeState], error) {
		if len(sc.DependencyFindings(graphqlEndpointID)) == 0 {
			return engine.Done(st), nil
		}
		original := strings.ToLower(sc.Target().Request.Header("Content-Type"))
		var candidates []string
		for _, ct := range simpleContentTypes {
			if !strings.Contains(original, ct) {
				candidates = append(candidates, ct)
			}
		}
		if budget := sc.ProbeBudget(); len(candidates) > budget {
			candidates = candidates[:budget]
		}
		if len(candidates) == 0 {
			return engine.Done(st), nil
		}
		return engine.Continue("testContentType", contentTypeState{Remaining: candidates}), nil
	}, "testContentType")

	s.Step("testContentType", func(st contentTypeState, sc *engine.Context) (engine.Result[contentTypeState], error) {
		if len(st.Remaining) == 0 {
			return engine.Done(st), nil
		}
		current, rest := st.Remaining[0], st.Remaining[1:]
		next := contentTypeState{Remaining: rest, Accepted: st.Accepted}

		req := sc.Target().Request
		spec := req.ToSpec()
		spec.SetMethod("POST")
		spec.SetHeader("Content-Type", current)
		if len(req.Body) == 0 {
			spec.SetBody(introspectionQuery)
		}

		probe, err := sc.Send(spec)
		if err != nil {
			sc.Logger().Debug("content type probe failed")
		} else if probe.Response != nil && probe.Response.Code >= 200 && probe.Response.Code < 300 &&
			isGraphQLResponse(probe.Response.Body, true) {
			next.Accepted = append(append([]string(nil), st.Accepted...), current)
			finding := check.NewFinding(fmt.Sprintf("GraphQL Content-Type Not Validated (%s)", current), check.SeverityMedium, probe.Request).
				WithDescription(fmt.Sprintf("The GraphQL endpoint accepts requests sent with `Content-Type: %s` and answers with a valid GraphQL response.", current)).
				WithImpact("Browsers send this content type cross-site without a CORS preflight, so a malicious page can issue GraphQL operations with the victim's cookies (CSRF).").
				WithRecommendation("Only accept application/json for GraphQL requests and reject every other content type.").
				Build()
			return engine.Done(next, finding), nil
		}

		if len(rest) == 0 {
			return engine.Done(next), nil
		}
		return engine.Continue("testContentType", next), nil
	}, "testContentType")

	return engine.Spec[contentTypeState]{
		Metadata: check.Metadata{
			ID:           "graphql-content-type",
			Name:         "GraphQL Content-Type Not Validated",
			Description:  "Detects GraphQL endpoints that accept content types a browser can send cross-site",
			Type:         check.TypeActive,
			Tags:         []string{"graphql", "csrf"},
			Severities:   []check.Severity{check.SeverityMedium},
			Aggressivity: check.Aggressivity{MinRequests: 1, MaxRequests: len(simpleContentTypes)},
			DependsOn:    []string{graphqlEndpointID},
		},
		InitState: func() contentTypeState { return contentTypeState{Remaining: []string{}} },
		DedupeKey: hostPortPath(),
		When:      hasResponse,
	}
})
