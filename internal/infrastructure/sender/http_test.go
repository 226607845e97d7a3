package sender

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
)

func specFor(t *testing.T, rawURL string) check.RequestSpec {
	t.Helper()
	req, err := check.ParseRequestURL("seed", rawURL)
	if err != nil {
		t.Fatalf("ParseRequestURL: %v", err)
	}
	return req.ToSpec()
}

func TestSendReturnsTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("X-Probe"); got != "1" {
			t.Errorf("expected probe header, got %q", got)
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("expected default user agent, got %q", r.Header.Get("User-Agent"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"query":"{__typename}"}` {
			t.Errorf("unexpected body %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var observed atomic.Int32
	s := New(WithObserver(func(check.Target) { observed.Add(1) }))

	spec := specFor(t, srv.URL+"/graphql?x=1")
	spec.SetMethod("post")
	spec.SetHeader("X-Probe", "1")
	spec.SetBody(`{"query":"{__typename}"}`)

	target, err := s.Send(context.Background(), spec)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if target.ID() == "" || target.ID() == "seed" {
		t.Fatalf("expected a fresh request id, got %q", target.ID())
	}
	if target.Response.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", target.Response.Code)
	}
	if target.Response.ContentType() != "application/json" {
		t.Fatalf("unexpected content type %q", target.Response.ContentType())
	}
	if target.Request.Path != "/graphql" || target.Request.Query != "x=1" {
		t.Fatalf("unexpected request %+v", target.Request)
	}
	if observed.Load() != 1 {
		t.Fatalf("expected observer to see 1 target, got %d", observed.Load())
	}
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/next" {
			t.Errorf("redirect must not be followed")
		}
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer srv.Close()

	target, err := New().Send(context.Background(), specFor(t, srv.URL+"/start"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if target.Response.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", target.Response.Code)
	}
}

func TestSendTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 1024)))
	}))
	defer srv.Close()

	target, err := New(WithBodyLimit(10)).Send(context.Background(), specFor(t, srv.URL))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(target.Response.Body) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(target.Response.Body))
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(WithTimeout(50*time.Millisecond)).Send(context.Background(), specFor(t, srv.URL))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSendRespectsRateLimiterContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s := New(WithRateLimit(0.001, 1))
	if _, err := s.Send(context.Background(), specFor(t, srv.URL)); err != nil {
		t.Fatalf("first send should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, specFor(t, srv.URL)); err == nil {
		t.Fatal("expected limiter wait to fail")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	target, err := New().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !target.Response.IsHTML() {
		t.Fatalf("expected html response")
	}
}
