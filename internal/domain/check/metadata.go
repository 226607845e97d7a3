package check

import (
	"fmt"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Type separates checks that only read captured traffic from checks that send probes.
type Type string

const (
	TypePassive Type = "passive"
	TypeActive  Type = "active"
)

// Aggressivity declares the probe budget a check may spend per target.
type Aggressivity struct {
	MinRequests int `json:"minRequests" yaml:"min_requests"`
	MaxRequests int `json:"maxRequests" yaml:"max_requests"`
}

// Metadata describes a check independently of its steps.
type Metadata struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Type         Type         `json:"type"`
	Tags         []string     `json:"tags,omitempty"`
	Severities   []Severity   `json:"severities"`
	Aggressivity Aggressivity `json:"aggressivity"`
	DependsOn    []string     `json:"dependsOn,omitempty"`
}

// Validate reports the first structural problem with the metadata.
func (m Metadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: metadata id is required", sharedErrors.ErrInvalidDefinition)
	}
	if m.Type != TypePassive && m.Type != TypeActive {
		return fmt.Errorf("%w: check %s has unknown type %q", sharedErrors.ErrInvalidDefinition, m.ID, m.Type)
	}
	for _, s := range m.Severities {
		if !s.IsValid() {
			return fmt.Errorf("%w: check %s declares unknown severity %q", sharedErrors.ErrInvalidDefinition, m.ID, s)
		}
	}
	if m.Aggressivity.MinRequests < 0 || m.Aggressivity.MaxRequests < m.Aggressivity.MinRequests {
		return fmt.Errorf("%w: check %s has invalid aggressivity bounds %d..%d",
			sharedErrors.ErrInvalidDefinition, m.ID, m.Aggressivity.MinRequests, m.Aggressivity.MaxRequests)
	}
	for _, dep := range m.DependsOn {
		if dep == m.ID {
			return fmt.Errorf("%w: check %s depends on itself", sharedErrors.ErrDependencyCycle, m.ID)
		}
	}
	return nil
}

// DeclaresSeverity reports whether any of the given severities is declared by the check.
func (m Metadata) DeclaresSeverity(allowed []Severity) bool {
	for _, want := range allowed {
		for _, have := range m.Severities {
			if want == have {
				return true
			}
		}
	}
	return false
}
