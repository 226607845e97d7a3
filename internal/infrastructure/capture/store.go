// Package capture loads captured HTTP traffic and keeps it addressable by
// request ID.
package capture

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Entry is one captured exchange in a capture file. The file is a YAML or
// JSON list of entries.
type Entry struct {
	ID       string            `yaml:"id" json:"id"`
	Method   string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL      string            `yaml:"url" json:"url"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body     string            `yaml:"body,omitempty" json:"body,omitempty"`
	Response *ResponseEntry    `yaml:"response,omitempty" json:"response,omitempty"`
}

// ResponseEntry is the captured response of an Entry.
type ResponseEntry struct {
	Code        int               `yaml:"code" json:"code"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty" json:"body,omitempty"`
	RoundTripMS int64             `yaml:"roundtrip_ms,omitempty" json:"roundtrip_ms,omitempty"`
}

// Store is a concurrency-safe set of targets keyed by request ID.
type Store struct {
	mu      sync.RWMutex
	targets map[string]check.Target
	order   []string
}

func NewStore() *Store {
	return &Store{targets: map[string]check.Target{}}
}

// Add records targets. A target whose ID is already known replaces it.
func (s *Store) Add(targets ...check.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		id := t.ID()
		if id == "" {
			continue
		}
		if _, ok := s.targets[id]; !ok {
			s.order = append(s.order, id)
		}
		s.targets[id] = t
	}
}

// Get returns the target with the given request ID.
func (s *Store) Get(id string) (check.Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	return t, ok
}

// Len reports how many targets are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// All returns every target in insertion order.
func (s *Store) All() []check.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]check.Target, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.targets[id])
	}
	return out
}

// Targets resolves request IDs in order. Unknown IDs yield a target with a
// nil request so the orchestrator reports them as not found.
func (s *Store) Targets(ctx context.Context, requestIDs []string) ([]check.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]check.Target, 0, len(requestIDs))
	for _, id := range requestIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, s.targets[id])
	}
	return out, nil
}

// LoadFile reads a capture file into the store and returns the loaded targets.
func (s *Store) LoadFile(path string) ([]check.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capture file: %w", err)
	}
	targets, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Add(targets...)
	return targets, nil
}

// WriteFile dumps the store as a YAML capture file.
func (s *Store) WriteFile(path string) error {
	entries := make([]Entry, 0, s.Len())
	for _, t := range s.All() {
		entries = append(entries, toEntry(t))
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, constants.DefaultFilePerm); err != nil {
		return fmt.Errorf("write capture file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write capture file: %w", err)
	}
	return nil
}

// Parse decodes a YAML or JSON capture document.
func Parse(data []byte) ([]check.Target, error) {
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	targets := make([]check.Target, 0, len(entries))
	seen := map[string]bool{}
	for i, e := range entries {
		t, err := e.Target(i)
		if err != nil {
			return nil, err
		}
		if seen[t.ID()] {
			return nil, fmt.Errorf("%w: duplicate request id %q", sharedErrors.ErrInvalidInput, t.ID())
		}
		seen[t.ID()] = true
		targets = append(targets, t)
	}
	return targets, nil
}

// Target converts the entry. Entries without an id are numbered by position.
func (e Entry) Target(index int) (check.Target, error) {
	id := e.ID
	if id == "" {
		id = "req-" + strconv.Itoa(index+1)
	}
	req, err := check.ParseRequestURL(id, e.URL)
	if err != nil {
		return check.Target{}, fmt.Errorf("entry %d: %w", index+1, err)
	}
	if e.Method != "" {
		req.Method = strings.ToUpper(e.Method)
	}
	req.Headers = toHeader(e.Headers)
	if e.Body != "" {
		req.Body = []byte(e.Body)
	}

	t := check.Target{Request: req}
	if e.Response != nil {
		t.Response = &check.Response{
			ID:        id,
			Code:      e.Response.Code,
			Headers:   toHeader(e.Response.Headers),
			Body:      []byte(e.Response.Body),
			RoundTrip: time.Duration(e.Response.RoundTripMS) * time.Millisecond,
		}
	}
	return t, nil
}

func toEntry(t check.Target) Entry {
	e := Entry{
		ID:      t.Request.ID,
		Method:  t.Request.Method,
		URL:     t.Request.URL(),
		Headers: fromHeader(t.Request.Headers),
		Body:    string(t.Request.Body),
	}
	if t.Response != nil {
		e.Response = &ResponseEntry{
			Code:        t.Response.Code,
			Headers:     fromHeader(t.Response.Headers),
			Body:        string(t.Response.Body),
			RoundTripMS: t.Response.RoundTrip.Milliseconds(),
		}
	}
	return e
}

func toHeader(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// fromHeader flattens a header, keeping the first value of each name.
func fromHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
