// Package dedupe builds fingerprints that collapse equivalent scan targets.
//
// A Strategy composes extraction rules in the order they are added. Two
// targets that yield the same key are considered the same logical resource
// for a given check, so the orchestrator only schedules the first one.
package dedupe

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
)

// KeyFunc maps a target to its dedupe key. An empty key disables deduplication for that target.
type KeyFunc func(check.Target) string

type part func(*check.Request) string

var (
	partEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)
	nameEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, ",", `\,`)
)

// Strategy accumulates extraction rules.
type Strategy struct {
	parts []part
}

// New starts an empty strategy.
func New() *Strategy {
	return &Strategy{}
}

func (s *Strategy) add(p part) *Strategy {
	s.parts = append(s.parts, p)
	return s
}

func (s *Strategy) WithMethod() *Strategy {
	return s.add(func(r *check.Request) string { return strings.ToUpper(r.Method) })
}

func (s *Strategy) WithHost() *Strategy {
	return s.add(func(r *check.Request) string { return strings.ToLower(r.Host) })
}

// WithPort uses the scheme default when the request has no explicit port.
func (s *Strategy) WithPort() *Strategy {
	return s.add(func(r *check.Request) string { return strconv.Itoa(r.EffectivePort()) })
}

func (s *Strategy) WithPath() *Strategy {
	return s.add(func(r *check.Request) string { return r.Path })
}

// WithQueryKeys keys on query parameter names only; values never contribute.
func (s *Strategy) WithQueryKeys() *Strategy {
	return s.add(func(r *check.Request) string {
		names := r.QueryKeys()
		for i, name := range names {
			names[i] = nameEscaper.Replace(name)
		}
		return strings.Join(names, ",")
	})
}

// WithHeader keys on whether the named request header is present.
func (s *Strategy) WithHeader(name string) *Strategy {
	canonical := http.CanonicalHeaderKey(name)
	return s.add(func(r *check.Request) string {
		if r.Header(canonical) != "" {
			return "+" + canonical
		}
		return "-" + canonical
	})
}

// Build freezes the rules into a KeyFunc. Later calls on s do not affect it.
// Parts are escaped before joining, so distinct part lists never share a key.
func (s *Strategy) Build() KeyFunc {
	parts := append([]part(nil), s.parts...)
	return func(t check.Target) string {
		if t.Request == nil || len(parts) == 0 {
			return ""
		}
		values := make([]string, len(parts))
		for i, p := range parts {
			values[i] = partEscaper.Replace(p(t.Request))
		}
		return strings.Join(values, "|")
	}
}
