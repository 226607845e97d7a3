package config

import (
	"fmt"
	"strings"

	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Aggressivity is the probe budget tier handed to every step.
type Aggressivity string

const (
	AggressivityLow    Aggressivity = "LOW"
	AggressivityMedium Aggressivity = "MEDIUM"
	AggressivityHigh   Aggressivity = "HIGH"
)

// ParseAggressivity accepts any casing of LOW, MEDIUM or HIGH.
func ParseAggressivity(value string) (Aggressivity, error) {
	a := Aggressivity(strings.ToUpper(strings.TrimSpace(value)))
	switch a {
	case AggressivityLow, AggressivityMedium, AggressivityHigh:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown aggressivity %q", sharedErrors.ErrInvalidConfig, value)
}

// Override toggles a single check on or off.
type Override struct {
	CheckID string `json:"checkID" yaml:"check_id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// ScanConfig is supplied once per scan and read-only afterwards.
type ScanConfig struct {
	Aggressivity       Aggressivity     `json:"aggressivity"`
	ConcurrentChecks   int              `json:"concurrentChecks"`
	ConcurrentRequests int              `json:"concurrentRequests"`
	InScopeOnly        bool             `json:"inScopeOnly"`
	Overrides          []Override       `json:"overrides"`
	Severities         []check.Severity `json:"severities"`
}

// Default returns the passive scanning defaults.
func Default() ScanConfig {
	return ScanConfig{
		Aggressivity:       AggressivityLow,
		ConcurrentChecks:   2,
		ConcurrentRequests: 3,
		InScopeOnly:        true,
		Overrides:          []Override{},
		Severities:         check.AllSeverities(),
	}
}

// Validate reports the first invalid field.
func (c ScanConfig) Validate() error {
	if _, err := ParseAggressivity(string(c.Aggressivity)); err != nil {
		return err
	}
	if c.ConcurrentChecks < 1 {
		return fmt.Errorf("%w: concurrentChecks must be >= 1, got %d", sharedErrors.ErrInvalidConfig, c.ConcurrentChecks)
	}
	if c.ConcurrentRequests < 1 {
		return fmt.Errorf("%w: concurrentRequests must be >= 1, got %d", sharedErrors.ErrInvalidConfig, c.ConcurrentRequests)
	}
	for _, s := range c.Severities {
		if !s.IsValid() {
			return fmt.Errorf("%w: unknown severity %q", sharedErrors.ErrInvalidConfig, s)
		}
	}
	for _, o := range c.Overrides {
		if o.CheckID == "" {
			return fmt.Errorf("%w: override without check id", sharedErrors.ErrInvalidConfig)
		}
	}
	return nil
}

// Override returns the explicit toggle for a check, if any. The last override wins.
func (c ScanConfig) Override(checkID string) (enabled bool, ok bool) {
	for _, o := range c.Overrides {
		if o.CheckID == checkID {
			enabled, ok = o.Enabled, true
		}
	}
	return enabled, ok
}

// Enables reports whether a check with the given metadata takes part in the scan.
func (c ScanConfig) Enables(meta check.Metadata) bool {
	if enabled, ok := c.Override(meta.ID); ok && !enabled {
		return false
	}
	if len(c.Severities) == 0 || len(meta.Severities) == 0 {
		return true
	}
	return meta.DeclaresSeverity(c.Severities)
}

// AllowsSeverity reports whether findings of severity s are reported.
func (c ScanConfig) AllowsSeverity(s check.Severity) bool {
	if len(c.Severities) == 0 {
		return true
	}
	for _, allowed := range c.Severities {
		if allowed == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate a running scan's config.
func (c ScanConfig) Clone() ScanConfig {
	out := c
	out.Overrides = append([]Override(nil), c.Overrides...)
	out.Severities = append([]check.Severity(nil), c.Severities...)
	return out
}
