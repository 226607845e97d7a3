// Package preset loads the bundled scan presets.
//
// A preset is a yaml document:
//
//	name: balanced
//	description: Every check at medium aggressivity
//	scan:
//	  aggressivity: MEDIUM
//	  concurrent_checks: 3
//	  concurrent_requests: 5
//	active:
//	  - check_id: graphql-content-type
//	    enabled: true
//	passive:
//	  - check_id: csp-missing
//	    enabled: false
package preset

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

//go:embed presets/*.yaml
var bundled embed.FS

// Scan holds the runtime knobs a preset sets. Zero values leave the base untouched.
type Scan struct {
	Aggressivity       string `yaml:"aggressivity"`
	ConcurrentChecks   int    `yaml:"concurrent_checks"`
	ConcurrentRequests int    `yaml:"concurrent_requests"`
}

// Preset is a named set of check toggles and scan settings.
type Preset struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Scan        Scan              `yaml:"scan"`
	Active      []config.Override `yaml:"active"`
	Passive     []config.Override `yaml:"passive"`
}

// Validate checks the preset can be applied.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: preset name", sharedErrors.ErrMissingRequired)
	}
	if p.Scan.Aggressivity != "" {
		if _, err := config.ParseAggressivity(p.Scan.Aggressivity); err != nil {
			return fmt.Errorf("preset %s: %w", p.Name, err)
		}
	}
	if p.Scan.ConcurrentChecks < 0 || p.Scan.ConcurrentRequests < 0 {
		return fmt.Errorf("%w: preset %s has negative concurrency", sharedErrors.ErrInvalidConfig, p.Name)
	}
	for _, o := range append(append([]config.Override(nil), p.Active...), p.Passive...) {
		if o.CheckID == "" {
			return fmt.Errorf("%w: preset %s has an override without check_id", sharedErrors.ErrInvalidConfig, p.Name)
		}
	}
	return nil
}

// Apply returns base with the preset's settings and overrides layered on top.
// Preset overrides come first so overrides already in base keep the last word.
func (p *Preset) Apply(base config.ScanConfig) config.ScanConfig {
	out := base.Clone()
	if p.Scan.Aggressivity != "" {
		if a, err := config.ParseAggressivity(p.Scan.Aggressivity); err == nil {
			out.Aggressivity = a
		}
	}
	if p.Scan.ConcurrentChecks > 0 {
		out.ConcurrentChecks = p.Scan.ConcurrentChecks
	}
	if p.Scan.ConcurrentRequests > 0 {
		out.ConcurrentRequests = p.Scan.ConcurrentRequests
	}

	overrides := make([]config.Override, 0, len(p.Active)+len(p.Passive)+len(base.Overrides))
	overrides = append(overrides, p.Active...)
	overrides = append(overrides, p.Passive...)
	out.Overrides = append(overrides, base.Overrides...)
	return out
}

// Parse decodes and validates one preset document.
func Parse(data []byte) (*Preset, error) {
	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: preset: %v", sharedErrors.ErrDeserializationFailed, err)
	}
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

var (
	registry     map[string]*Preset
	registryErr  error
	registryOnce sync.Once
)

func load() (map[string]*Preset, error) {
	registryOnce.Do(func() {
		registry, registryErr = loadFS(bundled, "presets")
	})
	return registry, registryErr
}

func loadFS(fsys fs.FS, dir string) (map[string]*Preset, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	reg := make(map[string]*Preset, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, err
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := reg[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate preset %s", sharedErrors.ErrInvalidConfig, p.Name)
		}
		reg[p.Name] = p
	}
	return reg, nil
}

// Names lists the bundled presets alphabetically.
func Names() []string {
	reg, err := load()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of a bundled preset. Names are case-insensitive.
func Get(name string) (*Preset, error) {
	reg, err := load()
	if err != nil {
		return nil, err
	}
	p, ok := reg[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrPresetNotFound, name)
	}
	cp := *p
	cp.Active = append([]config.Override(nil), p.Active...)
	cp.Passive = append([]config.Override(nil), p.Passive...)
	return &cp, nil
}

// Apply layers the named preset over base.
func Apply(name string, base config.ScanConfig) (config.ScanConfig, error) {
	p, err := Get(name)
	if err != nil {
		return base, err
	}
	return p.Apply(base), nil
}
