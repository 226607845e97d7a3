package check

import (
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request is a captured or probed HTTP request. It is never mutated once
// handed to the engine; use ToSpec to derive a modified copy.
type Request struct {
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Scheme  string      `json:"scheme"`
	Host    string      `json:"host"`
	Port    int         `json:"port"`
	Path    string      `json:"path"`
	Query   string      `json:"query,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Response is the response observed for a request.
type Response struct {
	ID        string        `json:"id,omitempty"`
	Code      int           `json:"code"`
	Headers   http.Header   `json:"headers,omitempty"`
	Body      []byte        `json:"body,omitempty"`
	RoundTrip time.Duration `json:"roundtrip,omitempty"`
}

// Target is the unit a check evaluates. Response is nil while unknown.
type Target struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response,omitempty"`
}

// ID returns the identity of the target, the underlying request id.
func (t Target) ID() string {
	if t.Request == nil {
		return ""
	}
	return t.Request.ID
}

// Header returns the first value of a request header.
func (r *Request) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// EffectivePort returns the explicit port or the scheme default.
func (r *Request) EffectivePort() int {
	if r.Port > 0 {
		return r.Port
	}
	if strings.EqualFold(r.Scheme, "http") {
		return 80
	}
	return 443
}

// URL rebuilds the absolute URL of the request.
func (r *Request) URL() string {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := r.Host
	defaultPort := (scheme == "https" && r.EffectivePort() == 443) || (scheme == "http" && r.EffectivePort() == 80)
	if !defaultPort {
		host = host + ":" + strconv.Itoa(r.EffectivePort())
	}
	u := url.URL{Scheme: scheme, Host: host, Path: r.Path, RawQuery: r.Query}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// QueryKeys returns the sorted, de-duplicated query parameter names.
func (r *Request) QueryKeys() []string {
	if r.Query == "" {
		return nil
	}
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		// Fall back to splitting on separators so malformed escapes still key.
		values = url.Values{}
		for _, pair := range strings.Split(r.Query, "&") {
			name, _, _ := strings.Cut(pair, "=")
			if name != "" {
				values[name] = nil
			}
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BodyText returns the request body as a string.
func (r *Request) BodyText() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// ToSpec returns a mutable copy of the request suitable for sending.
func (r *Request) ToSpec() RequestSpec {
	spec := RequestSpec{
		Method:  r.Method,
		Scheme:  r.Scheme,
		Host:    r.Host,
		Port:    r.Port,
		Path:    r.Path,
		Query:   r.Query,
		Headers: r.Headers.Clone(),
	}
	if spec.Headers == nil {
		spec.Headers = http.Header{}
	}
	if r.Body != nil {
		spec.Body = append([]byte(nil), r.Body...)
	}
	return spec
}

// Header returns the first value of a response header.
func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// ContentType returns the lower-cased media type without parameters.
func (r *Response) ContentType() string {
	raw := r.Header("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// IsHTML reports whether the response declares an HTML body.
func (r *Response) IsHTML() bool {
	ct := r.ContentType()
	return ct == "text/html" || ct == "application/xhtml+xml"
}

// HasBody reports whether a body was captured.
func (r *Response) HasBody() bool {
	return r != nil && len(r.Body) > 0
}

// BodyText returns the response body as a string.
func (r *Response) BodyText() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

// RequestSpec is a mutable request description handed to the send capability.
type RequestSpec struct {
	Method  string      `json:"method"`
	Scheme  string      `json:"scheme"`
	Host    string      `json:"host"`
	Port    int         `json:"port"`
	Path    string      `json:"path"`
	Query   string      `json:"query,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

func (s *RequestSpec) SetHeader(name, value string) {
	if s.Headers == nil {
		s.Headers = http.Header{}
	}
	s.Headers.Set(name, value)
}

func (s *RequestSpec) RemoveHeader(name string) {
	s.Headers.Del(name)
}

func (s *RequestSpec) SetBody(body string) {
	s.Body = []byte(body)
}

func (s *RequestSpec) SetMethod(method string) {
	s.Method = strings.ToUpper(method)
}

func (s *RequestSpec) SetPath(path string) {
	s.Path = path
}

func (s *RequestSpec) SetQuery(query string) {
	s.Query = strings.TrimPrefix(query, "?")
}

// URL returns the absolute URL the spec will be sent to.
func (s *RequestSpec) URL() string {
	req := Request{Scheme: s.Scheme, Host: s.Host, Port: s.Port, Path: s.Path, Query: s.Query}
	return req.URL()
}
