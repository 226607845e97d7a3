package check

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// ParseRequestURL builds a GET request from a target string. It accepts
//   - example.com
//   - http://example.com
//   - https://example.com:8443/path?q=1
//   - example.com:8080
//
// Scheme-less targets default to http.
func ParseRequestURL(id, target string) (*Request, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, sharedErrors.ErrEmptyTarget
	}

	parsed, err := url.Parse(target)
	// A scheme containing dots is a host with a port, e.g. "example.com:8080".
	if err != nil || parsed.Scheme == "" || strings.Contains(parsed.Scheme, ".") || parsed.Host == "" {
		parsed, err = url.Parse("http://" + target)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", sharedErrors.ErrInvalidInput, target)
		}
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: no host in %q", sharedErrors.ErrInvalidInput, target)
	}

	port := 0
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", sharedErrors.ErrInvalidInput, target)
		}
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	return &Request{
		ID:      id,
		Method:  http.MethodGet,
		Scheme:  strings.ToLower(parsed.Scheme),
		Host:    strings.ToLower(host),
		Port:    port,
		Path:    path,
		Query:   parsed.RawQuery,
		Headers: http.Header{},
	}, nil
}
