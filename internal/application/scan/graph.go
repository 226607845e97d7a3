package scan

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/config"
	"github.com/khanhnv2901/seca-scan/internal/engine"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

type color int

const (
	white color = iota
	grey
	black
)

// withDependencies adds back every check the enabled set transitively depends
// on, even when the severity filter dropped it. Only an explicit override keeps
// a dependency out. The result keeps the order of all.
func withDependencies(all, enabled []*engine.Definition, cfg config.ScanConfig, logger *zap.Logger) []*engine.Definition {
	byID := make(map[string]*engine.Definition, len(all))
	for _, def := range all {
		if def != nil {
			byID[def.ID()] = def
		}
	}
	keep := make(map[*engine.Definition]bool, len(all))
	pending := make([]*engine.Definition, 0, len(enabled))
	for _, def := range enabled {
		keep[def] = true
		if def != nil {
			pending = append(pending, def)
		}
	}
	added := false
	for len(pending) > 0 {
		def := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		for _, id := range def.Metadata().DependsOn {
			dep, ok := byID[id]
			if !ok || keep[dep] {
				continue
			}
			if on, ok := cfg.Override(id); ok && !on {
				continue
			}
			logger.Debug("enabling dependency", zap.String("check", def.ID()), zap.String("dependency", id))
			keep[dep] = true
			added = true
			pending = append(pending, dep)
		}
	}
	if !added {
		return enabled
	}

	out := make([]*engine.Definition, 0, len(keep))
	for _, def := range all {
		if keep[def] {
			out = append(out, def)
		}
	}
	return out
}

// orderChecks validates the enabled check set and returns it in dependency
// order: every check appears after the checks it depends on. Dependencies on
// checks outside the set are dropped with a warning.
func orderChecks(defs []*engine.Definition, logger *zap.Logger) ([]*engine.Definition, map[string][]string, error) {
	byID := make(map[string]*engine.Definition, len(defs))
	for i, def := range defs {
		if def == nil {
			return nil, nil, fmt.Errorf("%w: check %d is nil", sharedErrors.ErrInvalidDefinition, i)
		}
		if _, dup := byID[def.ID()]; dup {
			return nil, nil, fmt.Errorf("%w: check %s is listed twice", sharedErrors.ErrInvalidDefinition, def.ID())
		}
		byID[def.ID()] = def
	}

	deps := make(map[string][]string, len(defs))
	for _, def := range defs {
		for _, dep := range def.Metadata().DependsOn {
			if _, ok := byID[dep]; !ok {
				logger.Warn("ignoring dependency on check outside the scan",
					zap.String("check", def.ID()), zap.String("dependsOn", dep))
				continue
			}
			deps[def.ID()] = append(deps[def.ID()], dep)
		}
	}

	colors := make(map[string]color, len(defs))
	ordered := make([]*engine.Definition, 0, len(defs))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case black:
			return nil
		case grey:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("%w: %s", sharedErrors.ErrDependencyCycle, strings.Join(cycle, " -> "))
		}
		colors[id] = grey
		path = append(path, id)
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		ordered = append(ordered, byID[id])
		return nil
	}

	for _, def := range defs {
		if err := visit(def.ID()); err != nil {
			return nil, nil, err
		}
	}
	return ordered, deps, nil
}
