package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/config"
	"github.com/openfroyo/inittree/pkg/engine"
	"github.com/openfroyo/inittree/pkg/policy"
	"github.com/openfroyo/inittree/pkg/stores"
)

// project is a loaded manifest compiled into engine descriptors.
type project struct {
	manifest    *config.Manifest
	compiler    *config.Compiler
	descriptors []engine.Descriptor
	catalog     *engine.Catalog
}

func loadProject(ctx context.Context, logger zerolog.Logger, path string) (*project, error) {
	m, err := config.NewLoader(logger).LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}

	compiler := config.NewCompiler(nil, logger)
	descs, err := compiler.Compile(ctx, m)
	if err != nil {
		return nil, err
	}
	catalog, err := engine.NewCatalog(descs...)
	if err != nil {
		return nil, err
	}

	return &project{
		manifest:    m,
		compiler:    compiler,
		descriptors: descs,
		catalog:     catalog,
	}, nil
}

func (p *project) maxDepth() int {
	if p.manifest.MaxDepth > 0 {
		return p.manifest.MaxDepth
	}
	return engine.DefaultMaxDepth
}

// newTree registers every manifest component on a fresh tree. The tree is
// returned even when registration fails so callers can still fingerprint it.
func (p *project) newTree(opts ...engine.Option) (*engine.Tree, error) {
	opts = append([]engine.Option{engine.WithMaxDepth(p.maxDepth())}, opts...)
	tree := engine.NewTree(p.catalog, opts...)
	for _, c := range p.manifest.Components {
		if err := tree.RegisterID(config.ComponentIdentity(c.ID)); err != nil {
			return tree, err
		}
	}
	return tree, nil
}

func (p *project) graph() (*engine.DependencyGraph, error) {
	return engine.BuildGraph(p.descriptors)
}

func (p *project) policyInput(g *engine.DependencyGraph, ictx policy.InputContext) *policy.Input {
	labels := make(map[engine.Identity]map[string]string, len(p.manifest.Components))
	for _, c := range p.manifest.Components {
		labels[config.ComponentIdentity(c.ID)] = c.Labels
	}
	ictx.MaxDepth = p.maxDepth()
	return policy.NewInput(p.manifest.Name, g, labels, componentID, ictx)
}

func (p *project) evaluatePolicies(ctx context.Context, pe *policy.Engine, ictx policy.InputContext) (*policy.Result, error) {
	g, err := p.graph()
	if err != nil {
		return nil, err
	}
	return pe.Evaluate(ctx, p.policyInput(g, ictx))
}

// displayName returns the manifest name of a component identity.
func (p *project) displayName(id engine.Identity) string {
	if cid, ok := config.ComponentID(id); ok {
		if c, ok := p.manifest.Component(cid); ok {
			return c.DisplayName()
		}
	}
	return string(id)
}

func componentID(id engine.Identity) string {
	if cid, ok := config.ComponentID(id); ok {
		return cid
	}
	return string(id)
}

func newPolicyEngine(ctx context.Context, logger zerolog.Logger, paths []string, recorder policy.ViolationRecorder) (*policy.Engine, error) {
	var opts []policy.Option
	if recorder != nil {
		opts = append(opts, policy.WithRecorder(recorder))
	}
	pe, err := policy.NewEngine(logger, opts...)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// openStore opens and migrates the SQLite store at path.
func openStore(ctx context.Context, path string, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path, Logger: &logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("store %s is unavailable: %w", path, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// cacheStore returns where caches live: JSON files under --cache-dir when
// set, otherwise the SQLite store.
func cacheStore(root *rootOptions, store *stores.SQLiteStore) (stores.CacheStore, error) {
	if root.cacheDir == "" {
		return store, nil
	}
	return stores.NewFileCacheStore(root.cacheDir)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatValue renders an instance value for text output.
func formatValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func printViolations(w io.Writer, label string, violations []policy.Violation) {
	for _, v := range violations {
		component := v.Component
		if component == "" {
			component = "-"
		}
		fmt.Fprintf(w, "%-8s %-22s %-12s %s\n", label, v.Policy, component, v.Message)
	}
}
