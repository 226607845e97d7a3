package check

import (
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Severity is the impact level attached to a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AllSeverities returns every severity from most to least severe.
func AllSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Score returns a numeric weight for sorting. Unknown severities score 0.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity accepts any casing of a known severity name.
func ParseSeverity(value string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: unknown severity %q", sharedErrors.ErrInvalidInput, value)
	}
	return s, nil
}

// ParseSeverities parses a list and drops duplicates while keeping order.
func ParseSeverities(values []string) ([]Severity, error) {
	out := make([]Severity, 0, len(values))
	seen := make(map[Severity]struct{}, len(values))
	for _, v := range values {
		s, err := ParseSeverity(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
