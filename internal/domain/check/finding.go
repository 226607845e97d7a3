package check

import (
	"fmt"
	"strings"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Location marks a byte range inside the correlated request or response.
type Location struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Hint  string `json:"hint,omitempty"`
}

// Correlation ties a finding to the request that evidences it.
type Correlation struct {
	RequestID string     `json:"requestID"`
	Locations []Location `json:"locations"`
}

// Finding is an immutable security observation produced by a check.
type Finding struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Correlation Correlation `json:"correlation"`
}

// Validate checks the finding is reportable.
func (f Finding) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: finding name", sharedErrors.ErrMissingRequired)
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("%w: finding %q has severity %q", sharedErrors.ErrInvalidInput, f.Name, f.Severity)
	}
	return nil
}

// FindingBuilder assembles a finding whose description is rendered as markdown.
type FindingBuilder struct {
	name           string
	severity       Severity
	requestID      string
	description    string
	impact         string
	recommendation string
	artifactsTitle string
	artifacts      []string
	locations      []Location
}

// NewFinding starts a finding correlated with req.
func NewFinding(name string, severity Severity, req *Request) *FindingBuilder {
	b := &FindingBuilder{name: name, severity: severity}
	if req != nil {
		b.requestID = req.ID
	}
	return b
}

func (b *FindingBuilder) WithDescription(description string) *FindingBuilder {
	b.description = description
	return b
}

func (b *FindingBuilder) WithImpact(impact string) *FindingBuilder {
	b.impact = impact
	return b
}

func (b *FindingBuilder) WithRecommendation(recommendation string) *FindingBuilder {
	b.recommendation = recommendation
	return b
}

// WithArtifacts lists evidence under a titled section.
func (b *FindingBuilder) WithArtifacts(title string, artifacts []string) *FindingBuilder {
	b.artifactsTitle = title
	b.artifacts = append([]string(nil), artifacts...)
	return b
}

func (b *FindingBuilder) WithLocation(start, end int, hint string) *FindingBuilder {
	b.locations = append(b.locations, Location{Start: start, End: end, Hint: hint})
	return b
}

// Build renders the description and returns the finding.
func (b *FindingBuilder) Build() Finding {
	parts := []string{"# " + b.name, b.description}

	if b.artifactsTitle != "" && len(b.artifacts) > 0 {
		parts = append(parts, "", "### "+b.artifactsTitle)
		for _, artifact := range b.artifacts {
			parts = append(parts, "- "+artifact)
		}
	}

	if b.impact != "" {
		parts = append(parts, "", "## Impact", b.impact)
	}
	if b.recommendation != "" {
		parts = append(parts, "", "## Recommendation", b.recommendation)
	}

	locations := b.locations
	if locations == nil {
		locations = []Location{}
	}

	return Finding{
		Name:        b.name,
		Description: strings.Join(parts, "\n"),
		Severity:    b.severity,
		Correlation: Correlation{
			RequestID: b.requestID,
			Locations: locations,
		},
	}
}
