// Package sender issues probe requests over HTTP for checks.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
)

// DefaultUserAgent is set on probes that carry no User-Agent of their own.
const DefaultUserAgent = "seca-scan/1.0"

// HTTPSender sends request specs with net/http and returns the observed pair.
// Redirects are not followed so checks see the raw response.
type HTTPSender struct {
	client    *http.Client
	limiter   *rate.Limiter
	bodyLimit int64
	userAgent string
	logger    *zap.Logger
	observe   func(check.Target)
}

// Option configures an HTTPSender.
type Option func(*HTTPSender)

// WithTimeout bounds every probe, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(s *HTTPSender) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithRateLimit throttles probes across all checks of the process.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *HTTPSender) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBodyLimit caps how many response bytes are kept.
func WithBodyLimit(n int64) Option {
	return func(s *HTTPSender) {
		if n > 0 {
			s.bodyLimit = n
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(s *HTTPSender) { s.userAgent = ua }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *HTTPSender) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver receives every successfully probed target, e.g. to store it for reruns.
func WithObserver(fn func(check.Target)) Option {
	return func(s *HTTPSender) { s.observe = fn }
}

// WithTransport replaces the round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *HTTPSender) { s.client.Transport = rt }
}

// New creates a sender with the default timeout and body limit.
func New(opts ...Option) *HTTPSender {
	s := &HTTPSender{
		client: &http.Client{
			Timeout: constants.DefaultProbeTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bodyLimit: constants.ProbeBodyLimitBytes,
		userAgent: DefaultUserAgent,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send issues spec and returns the request as sent together with its response.
func (s *HTTPSender) Send(ctx context.Context, spec check.RequestSpec) (check.Target, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return check.Target{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL(), body)
	if err != nil {
		return check.Target{}, fmt.Errorf("create request: %w", err)
	}
	for name, values := range spec.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if host := spec.Headers.Get("Host"); host != "" {
		req.Host = host
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return check.Target{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.bodyLimit))
	if err != nil {
		return check.Target{}, fmt.Errorf("read response body: %w", err)
	}
	// Drain what exceeds the limit so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	requestID := uuid.NewString()
	target := check.Target{
		Request: &check.Request{
			ID:      requestID,
			Method:  method,
			Scheme:  spec.Scheme,
			Host:    spec.Host,
			Port:    spec.Port,
			Path:    spec.Path,
			Query:   spec.Query,
			Headers: req.Header.Clone(),
			Body:    append([]byte(nil), spec.Body...),
		},
		Response: &check.Response{
			ID:        requestID,
			Code:      resp.StatusCode,
			Headers:   resp.Header.Clone(),
			Body:      data,
			RoundTrip: elapsed,
		},
	}
	s.logger.Debug("probe sent",
		zap.String("request", requestID),
		zap.String("method", method),
		zap.String("url", spec.URL()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	if s.observe != nil {
		s.observe(target)
	}
	return target, nil
}

// Fetch requests rawURL with GET and returns the pair as a scan target.
func (s *HTTPSender) Fetch(ctx context.Context, rawURL string) (check.Target, error) {
	req, err := check.ParseRequestURL("", rawURL)
	if err != nil {
		return check.Target{}, err
	}
	return s.Send(ctx, req.ToSpec())
}
