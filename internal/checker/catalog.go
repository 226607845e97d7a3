package checker

import (
	"fmt"
	"sort"

	"github.com/khanhnv2901/seca-scan/internal/dedupe"
	"github.com/khanhnv2901/seca-scan/internal/domain/check"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// Options tunes the built-in checks.
type Options struct {
	CSP CSPPolicy
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{CSP: DefaultCSPPolicy()}
}

// Catalog is an immutable index of check definitions.
type Catalog struct {
	defs []*engine.Definition
	byID map[string]*engine.Definition
}

// NewCatalog indexes defs. Duplicate IDs are rejected.
func NewCatalog(defs ...*engine.Definition) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*engine.Definition, len(defs))}
	for _, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("%w: nil definition", sharedErrors.ErrInvalidDefinition)
		}
		if _, dup := c.byID[def.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate check id %s", sharedErrors.ErrInvalidDefinition, def.ID())
		}
		c.byID[def.ID()] = def
		c.defs = append(c.defs, def)
	}
	sort.Slice(c.defs, func(i, j int) bool { return c.defs[i].ID() < c.defs[j].ID() })
	return c, nil
}

// Builtin returns the catalog of every built-in check.
func Builtin(opts Options) (*Catalog, error) {
	csp, err := NewCSPChecks(opts.CSP)
	if err != nil {
		return nil, err
	}
	defs := []*engine.Definition{
		MissingContentType,
		GraphQLEndpoint,
		GraphQLContentType,
		UserAgentDependentResponse,
		CORSMisconfig,
		CookieFlags,
		MixedContent,
	}
	return NewCatalog(append(defs, csp...)...)
}

// All lists definitions sorted by ID.
func (c *Catalog) All() []*engine.Definition {
	return append([]*engine.Definition(nil), c.defs...)
}

// Get returns one definition.
func (c *Catalog) Get(id string) (*engine.Definition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// Lookup resolves IDs in the given order. No IDs selects every check.
func (c *Catalog) Lookup(ids ...string) ([]*engine.Definition, error) {
	if len(ids) == 0 {
		return c.All(), nil
	}
	out := make([]*engine.Definition, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		def, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", sharedErrors.ErrCheckNotFound, id)
		}
		out = append(out, def)
	}
	return out, nil
}

// ByType lists the checks of one type. An empty type lists all.
func (c *Catalog) ByType(t check.Type) []*engine.Definition {
	if t == "" {
		return c.All()
	}
	var out []*engine.Definition
	for _, def := range c.defs {
		if def.Metadata().Type == t {
			out = append(out, def)
		}
	}
	return out
}

// hostPortPath is the key most checks share: one execution per resource.
func hostPortPath() dedupe.KeyFunc {
	return dedupe.New().WithHost().WithPort().WithPath().Build()
}

// hasResponse is the applicability predicate of checks that inspect the response.
func hasResponse(t check.Target) bool {
	return t.Request != nil && t.Response != nil
}
