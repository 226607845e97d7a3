// Package compliance maps built-in checks to the controls they give evidence for.
package compliance

import "sort"

// Mapping lists the controls one check supports, per framework.
type Mapping struct {
	CheckID    string              `json:"checkId"`
	Frameworks map[string][]string `json:"frameworks"`
	Priority   string              `json:"priority"`
}

var mappings = map[string]Mapping{
	// Content Security Policy
	"csp-missing": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16", "A.8.23"},
			"jisq27001": {"A.8.16"},
			"kisms":     {"2.7.3"},
			"ismsp":     {"2.7.3"},
		},
		Priority: "High",
	},
	"csp-weak": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16", "A.8.23"},
			"jisq27001": {"A.8.16"},
			"kisms":     {"2.7.3"},
			"ismsp":     {"2.7.3"},
		},
		Priority: "Critical",
	},

	// CORS
	"cors-misconfig": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16", "A.8.20"},
			"jisq27001": {"A.8.16"},
			"kisms":     {"2.7.1"},
		},
		Priority: "High",
	},

	// Cookie Security
	"cookie-flags": {
		Frameworks: map[string][]string{
			"iso27001":    {"A.8.16"},
			"iso27701":    {"7.2.2"},
			"jisq27001":   {"A.8.16"},
			"pdpa":        {"Protection Obligation 24"},
			"kisms":       {"2.7.2"},
			"ismsp":       {"2.7.2", "3.1.3"},
			"privacymark": {"3.4.2"},
			"pims":        {"3.1.3"},
		},
		Priority: "High",
	},

	// Transport
	"mixed-content": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.24"},
			"jisq27001": {"A.8.24"},
			"kisms":     {"2.8.1"},
		},
		Priority: "High",
	},

	"missing-content-type": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16"},
			"jisq27001": {"A.8.16"},
		},
		Priority: "Low",
	},

	// API surface
	"graphql-endpoint": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.9", "A.8.20"},
			"jisq27001": {"A.8.9"},
			"kisms":     {"2.7.4"},
		},
		Priority: "Low",
	},
	"graphql-content-type": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16", "A.8.26"},
			"jisq27001": {"A.8.16"},
			"kisms":     {"2.7.3"},
		},
		Priority: "Medium",
	},

	"user-agent-dependent-response": {
		Frameworks: map[string][]string{
			"iso27001":  {"A.8.16"},
			"jisq27001": {"A.8.16"},
		},
		Priority: "Low",
	},
}

// ForCheck returns the mapping for a check ID.
func ForCheck(checkID string) (Mapping, bool) {
	m, ok := mappings[checkID]
	if !ok {
		return Mapping{}, false
	}
	m.CheckID = checkID
	return m, true
}

// ChecksForFramework returns the sorted IDs of checks mapped to frameworkID.
func ChecksForFramework(frameworkID string) []string {
	var ids []string
	for id, m := range mappings {
		if _, ok := m.Frameworks[frameworkID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Frameworks lists every framework referenced by a mapping.
func Frameworks() []string {
	seen := map[string]struct{}{}
	for _, m := range mappings {
		for fw := range m.Frameworks {
			seen[fw] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for fw := range seen {
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}

// SortedFrameworks returns the framework IDs of m in order.
func (m Mapping) SortedFrameworks() []string {
	out := make([]string, 0, len(m.Frameworks))
	for fw := range m.Frameworks {
		out = append(out, fw)
	}
	sort.Strings(out)
	return out
}
