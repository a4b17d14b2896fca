package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"
)

// identityPrefix namespaces manifest components among other identities.
const identityPrefix = "manifest/"

// ComponentIdentity returns the engine identity of a manifest component.
func ComponentIdentity(id string) engine.Identity {
	return engine.Identity(identityPrefix + id)
}

// ComponentID is the inverse of ComponentIdentity. ok is false for identities
// that do not belong to a manifest component.
func ComponentID(id engine.Identity) (string, bool) {
	s := string(id)
	if len(s) <= len(identityPrefix) || s[:len(identityPrefix)] != identityPrefix {
		return "", false
	}
	return s[len(identityPrefix):], true
}

// Instance is what a manifest component constructs. Dependents receive the
// same *Instance, so updates written by one dependent are seen by the next.
type Instance struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

// Compiler turns manifest components into engine descriptors whose
// constructors run the component's Starlark script.
//
// A script sees these globals:
//
//	deps       dict of dependency id to its current value
//	vars       the manifest variables
//	component  dict with id, name and labels
//	attempt    how many times this component's script has run, from 1
//
// It reports readiness by assigning value; leaving value unset or None
// declines. It may assign updates, a dict of dependency id to new value, to
// rewrite dependency instances in place.
type Compiler struct {
	evaluator *StarlarkEvaluator
	logger    zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int
	failures map[string]string
}

// NewCompiler creates a compiler. A nil evaluator uses the default timeout.
func NewCompiler(evaluator *StarlarkEvaluator, logger zerolog.Logger) *Compiler {
	if evaluator == nil {
		evaluator = NewStarlarkEvaluator(DefaultScriptTimeout, logger)
	}
	return &Compiler{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "manifest-compiler").Logger(),
		attempts:  make(map[string]int),
		failures:  make(map[string]string),
	}
}

// Compile returns one descriptor per component, in manifest order. ctx bounds
// every script run by the returned constructors.
func (c *Compiler) Compile(ctx context.Context, m *Manifest) ([]engine.Descriptor, error) {
	vars := m.Variables
	if vars == nil {
		vars = map[string]interface{}{}
	}

	descs := make([]engine.Descriptor, 0, len(m.Components))
	for _, comp := range m.Components {
		if comp.ID == "" {
			return nil, engine.NewPermanentError("component without id", nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(m.Name)
		}
		deps := make([]engine.Identity, len(comp.DependsOn))
		for i, dep := range comp.DependsOn {
			deps[i] = ComponentIdentity(dep)
		}
		descs = append(descs, engine.NewDescriptor(
			ComponentIdentity(comp.ID),
			comp.DisplayName(),
			deps,
			c.constructor(ctx, comp, vars),
		))
	}
	return descs, nil
}

// CompileCatalog compiles m into a catalog so components can be registered
// by identity and pull their dependencies in through the collector.
func (c *Compiler) CompileCatalog(ctx context.Context, m *Manifest) (*engine.Catalog, error) {
	descs, err := c.Compile(ctx, m)
	if err != nil {
		return nil, err
	}
	return engine.NewCatalog(descs...)
}

// Failures returns the last script error per component id. A component that
// later constructs successfully is removed.
func (c *Compiler) Failures() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.failures))
	for k, v := range c.failures {
		out[k] = v
	}
	return out
}

// Attempts returns how many times the script of component id has run.
func (c *Compiler) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}

func (c *Compiler) constructor(ctx context.Context, comp ComponentConfig, vars map[string]interface{}) engine.Constructor {
	return func(h *engine.Handles) (any, bool) {
		instances := make(map[string]*Instance, len(comp.DependsOn))
		deps := make(map[string]interface{}, len(comp.DependsOn))
		for _, dep := range comp.DependsOn {
			v, ok := h.Get(ComponentIdentity(dep))
			if !ok {
				return nil, false
			}
			inst, ok := v.(*Instance)
			if !ok {
				c.fail(comp.ID, fmt.Sprintf("dependency %s holds %T, not a manifest instance", dep, v))
				return nil, false
			}
			instances[dep] = inst
			deps[dep] = inst.Value
		}

		if comp.Script == "" {
			return &Instance{ID: comp.ID, Value: comp.Value}, true
		}

		attempt := c.nextAttempt(comp.ID)
		labels := make(map[string]interface{}, len(comp.Labels))
		for k, v := range comp.Labels {
			labels[k] = v
		}
		input := map[string]interface{}{
			"deps": deps,
			"vars": vars,
			"component": map[string]interface{}{
				"id":     comp.ID,
				"name":   comp.DisplayName(),
				"labels": labels,
			},
			"attempt": attempt,
		}

		res, err := c.evaluator.EvaluateFile(ctx, comp.ID+".star", comp.Script, input)
		if err != nil {
			c.fail(comp.ID, err.Error())
			return nil, false
		}

		value, ok := res.Output["value"]
		if !ok || value == nil {
			c.logger.Debug().Str("component_id", comp.ID).Int("attempt", attempt).Msg("Component not ready")
			return nil, false
		}

		if raw, ok := res.Output["updates"]; ok && raw != nil {
			updates, ok := raw.(map[string]interface{})
			if !ok {
				c.fail(comp.ID, fmt.Sprintf("updates must be a dict, got %T", raw))
				return nil, false
			}
			for _, dep := range slices.Sorted(maps.Keys(updates)) {
				if _, ok := instances[dep]; !ok {
					c.fail(comp.ID, fmt.Sprintf("updates names %q, which is not a dependency", dep))
					return nil, false
				}
			}
			for dep, v := range updates {
				instances[dep].Value = v
			}
		}

		c.succeed(comp.ID)
		c.logger.Debug().
			Str("component_id", comp.ID).
			Int("attempt", attempt).
			Dur("duration", res.ExecutionTime).
			Msg("Component script succeeded")
		return &Instance{ID: comp.ID, Value: value}, true
	}
}

func (c *Compiler) nextAttempt(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[id]++
	return c.attempts[id]
}

func (c *Compiler) fail(id, msg string) {
	c.mu.Lock()
	c.failures[id] = msg
	c.mu.Unlock()
	c.logger.Warn().Str("component_id", id).Str("error", msg).Msg("Component script failed")
}

func (c *Compiler) succeed(id string) {
	c.mu.Lock()
	delete(c.failures, id)
	c.mu.Unlock()
}

// FailedComponents returns the ids in Failures, sorted.
func (c *Compiler) FailedComponents() []string {
	failures := c.Failures()
	ids := make([]string, 0, len(failures))
	for id := range failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
