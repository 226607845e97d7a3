package check

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func TestParseRequestURL(t *testing.T) {
	testCases := []struct {
		name      string
		target    string
		wantSch   string
		wantHost  string
		wantPort  int
		wantPath  string
		wantQuery string
		wantURL   string
	}{
		{"Simple domain", "example.com", "http", "example.com", 0, "/", "", "http://example.com/"},
		{"HTTPS URL", "https://example.com", "https", "example.com", 0, "/", "", "https://example.com/"},
		{"URL with port", "https://example.com:8443", "https", "example.com", 8443, "/", "", "https://example.com:8443/"},
		{"Domain with port", "example.com:8080", "http", "example.com", 8080, "/", "", "http://example.com:8080/"},
		{"URL with path and query", "https://Example.com/api/v1?q=1&page=2", "https", "example.com", 0, "/api/v1", "q=1&page=2", "https://example.com/api/v1?q=1&page=2"},
		{"Default port is dropped", "https://example.com:443/path", "https", "example.com", 443, "/path", "", "https://example.com/path"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequestURL("req-1", tc.target)
			if err != nil {
				t.Fatalf("ParseRequestURL(%q) error: %v", tc.target, err)
			}
			if req.Scheme != tc.wantSch || req.Host != tc.wantHost || req.Port != tc.wantPort {
				t.Errorf("got scheme=%s host=%s port=%d", req.Scheme, req.Host, req.Port)
			}
			if req.Path != tc.wantPath || req.Query != tc.wantQuery {
				t.Errorf("got path=%s query=%s", req.Path, req.Query)
			}
			if got := req.URL(); got != tc.wantURL {
				t.Errorf("URL() = %s, want %s", got, tc.wantURL)
			}
			if req.Method != http.MethodGet || req.ID != "req-1" {
				t.Errorf("unexpected method/id %s %s", req.Method, req.ID)
			}
		})
	}
}

func TestParseRequestURLRejectsEmpty(t *testing.T) {
	if _, err := ParseRequestURL("x", "  "); !errors.Is(err, sharedErrors.ErrEmptyTarget) {
		t.Fatalf("expected ErrEmptyTarget, got %v", err)
	}
}

func TestQueryKeysIgnoresValues(t *testing.T) {
	a := &Request{Query: "q=shoes&page=2&q=boots"}
	b := &Request{Query: "page=9&q=hats"}

	if !reflect.DeepEqual(a.QueryKeys(), []string{"page", "q"}) {
		t.Fatalf("unexpected keys %v", a.QueryKeys())
	}
	if !reflect.DeepEqual(a.QueryKeys(), b.QueryKeys()) {
		t.Fatalf("expected equal key sets, got %v and %v", a.QueryKeys(), b.QueryKeys())
	}
	if (&Request{}).QueryKeys() != nil {
		t.Fatal("expected nil keys for empty query")
	}
}

func TestEffectivePort(t *testing.T) {
	if got := (&Request{Scheme: "http"}).EffectivePort(); got != 80 {
		t.Errorf("expected 80, got %d", got)
	}
	if got := (&Request{Scheme: "https"}).EffectivePort(); got != 443 {
		t.Errorf("expected 443, got %d", got)
	}
	if got := (&Request{Scheme: "https", Port: 8443}).EffectivePort(); got != 8443 {
		t.Errorf("expected 8443, got %d", got)
	}
}

func TestToSpecDoesNotAliasRequest(t *testing.T) {
	req := &Request{
		Method:  "POST",
		Host:    "example.com",
		Path:    "/graphql",
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"query":"{a}"}`),
	}

	spec := req.ToSpec()
	spec.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	spec.SetBody("changed")
	spec.SetMethod("put")

	if req.Header("Content-Type") != "application/json" {
		t.Fatalf("request header was mutated: %s", req.Header("Content-Type"))
	}
	if string(req.Body) != `{"query":"{a}"}` {
		t.Fatalf("request body was mutated: %s", req.Body)
	}
	if spec.Method != "PUT" {
		t.Fatalf("expected upper-cased method, got %s", spec.Method)
	}
}

func TestResponseContentType(t *testing.T) {
	resp := &Response{Headers: http.Header{"Content-Type": []string{"Text/HTML; charset=utf-8"}}}
	if resp.ContentType() != "text/html" {
		t.Fatalf("unexpected content type %q", resp.ContentType())
	}
	if !resp.IsHTML() {
		t.Fatal("expected html response")
	}

	jsonResp := &Response{Headers: http.Header{"Content-Type": []string{"application/json"}}}
	if jsonResp.IsHTML() {
		t.Fatal("json response reported as html")
	}

	var missing *Response
	if missing.Header("x") != "" || missing.HasBody() {
		t.Fatal("nil response should behave as empty")
	}
}

func TestFindingBuilder(t *testing.T) {
	req := &Request{ID: "42"}
	f := NewFinding("Content-Type Header Missing", SeverityInfo, req).
		WithDescription("The response is missing a Content-Type header.").
		WithArtifacts("Evidence", []string{"GET /"}).
		WithImpact("Browsers may sniff content.").
		WithRecommendation("Always send Content-Type.").
		Build()

	if f.Correlation.RequestID != "42" {
		t.Fatalf("expected correlation to request 42, got %s", f.Correlation.RequestID)
	}
	if f.Correlation.Locations == nil {
		t.Fatal("expected non-nil locations")
	}
	for _, section := range []string{"# Content-Type Header Missing", "### Evidence", "- GET /", "## Impact", "## Recommendation"} {
		if !strings.Contains(f.Description, section) {
			t.Errorf("description missing %q:\n%s", section, f.Description)
		}
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid finding: %v", err)
	}
}

func TestSeverityParsing(t *testing.T) {
	got, err := ParseSeverities([]string{"HIGH", "low", "high"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []Severity{SeverityHigh, SeverityLow}) {
		t.Fatalf("unexpected severities %v", got)
	}
	if _, err := ParseSeverity("urgent"); !errors.Is(err, sharedErrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if SeverityCritical.Score() <= SeverityHigh.Score() {
		t.Fatal("critical should outrank high")
	}
}

func TestMetadataValidate(t *testing.T) {
	valid := Metadata{ID: "a", Type: TypePassive, Severities: []Severity{SeverityInfo}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	selfDep := valid
	selfDep.DependsOn = []string{"a"}
	if err := selfDep.Validate(); !errors.Is(err, sharedErrors.ErrDependencyCycle) {
		t.Fatalf("expected dependency cycle, got %v", err)
	}

	badBounds := valid
	badBounds.Aggressivity = Aggressivity{MinRequests: 3, MaxRequests: 1}
	if err := badBounds.Validate(); !errors.Is(err, sharedErrors.ErrInvalidDefinition) {
		t.Fatalf("expected invalid definition, got %v", err)
	}

	if !valid.DeclaresSeverity([]Severity{SeverityHigh, SeverityInfo}) {
		t.Fatal("expected severity intersection")
	}
}
