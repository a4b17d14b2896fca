package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// policyParsers maps a file extension to the parser for its content.
var policyParsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": parseRego,
	".json": parseDefinition(json.Unmarshal),
	".yaml": parseDefinition(yaml.Unmarshal),
	".yml":  parseDefinition(yaml.Unmarshal),
}

// IsPolicyFile reports whether path has a policy file extension.
func IsPolicyFile(path string) bool {
	_, ok := policyParsers[filepath.Ext(path)]
	return ok
}

// Loader reads policies from disk. Parsed files are cached by path until
// invalidated.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy named by paths. A file path must load; a
// directory is walked recursively and files in it that fail to load are
// skipped with a warning. Policies from one directory come back in path
// order.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFromFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
			}
			policies = append(policies, *p)
			continue
		}
		found, err := l.loadFromDirectory(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, found...)
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsPolicyFile(path) {
			files = append(files, path)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)

	policies := make([]Policy, 0, len(files))
	for _, path := range files {
		p, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	l.mu.RLock()
	cached, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	parse, ok := policyParsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded")
	return p, nil
}

// Invalidate drops the cached policy for path.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// ClearCache drops every cached policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// parseRego turns a .rego file into a policy named after the file.
//
// A METADATA block on the package supplies the title, description and a
// custom severity. Without one, the leading comment block is the
// description. Syntax errors are left for the engine to report when it
// compiles the module.
func parseRego(path string, data []byte) (*Policy, error) {
	p := &Policy{
		Name:     baseName(path),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
	}

	module, err := ast.ParseModuleWithOpts(path, p.Rego, ast.ParserOptions{ProcessAnnotation: true})
	if err == nil && module != nil {
		for _, a := range module.Annotations {
			if a.Scope != "package" {
				continue
			}
			p.Description = a.Description
			if p.Description == "" {
				p.Description = a.Title
			}
			if sev, ok := a.Custom["severity"].(string); ok {
				p.Severity = Severity(sev)
			}
		}
	}
	if p.Description == "" {
		p.Description = leadingComment(p.Rego)
	}
	return p, nil
}

// parseDefinition parses a policy definition document that embeds its Rego.
func parseDefinition(unmarshal func([]byte, interface{}) error) func(string, []byte) (*Policy, error) {
	return func(path string, data []byte) (*Policy, error) {
		p := &Policy{Enabled: true}
		if err := unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy %s has no rego", path)
		}
		if p.Name == "" {
			p.Name = baseName(path)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		return p, nil
	}
}

// leadingComment joins the first block of # comment lines.
func leadingComment(src string) string {
	var lines []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(lines) > 0 {
				break
			}
			continue
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			lines = append(lines, text)
		}
	}
	return strings.Join(lines, " ")
}
