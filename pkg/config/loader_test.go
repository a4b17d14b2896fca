package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"
)

const webYAML = `
name: web
version: "1.0"
max_depth: 50
variables:
  port: 8080
cache:
  key: web-prod
components:
  - id: config
    value:
      port: 8080
  - id: db
    name: Database
    depends_on: [config]
    labels:
      tier: data
    script: |
      value = {"dsn": "postgres://localhost:%d" % deps["config"]["port"]}
  - id: server
    depends_on: [config, db]
    script: |
      value = "listening on %d" % vars["port"]
`

const webJSON = `{
  "name": "web",
  "components": [
    {"id": "config", "value": {"port": 8080}},
    {"id": "server", "depends_on": ["config"], "script": "value = deps['config']['port']"}
  ]
}`

const webCUE = `
name: "web"
cache: enabled: false
components: [
	{id: "config", value: {port: 8080}},
	{id: "server", depends_on: ["config"], script: "value = deps['config']['port']"},
]
`

func newTestLoader() *Loader {
	return NewLoader(zerolog.Nop())
}

func requireValidationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	if err == nil {
		t.Fatal("Expected validation error, got nil")
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeValidation {
		t.Fatalf("Expected engine validation error, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors in chain, got %v", err)
	}
	return verrs
}

func TestLoader_ParseFormats(t *testing.T) {
	loader := newTestLoader()
	ctx := context.Background()

	tests := []struct {
		name      string
		data      string
		format    Format
		wantComps int
		wantCache bool
	}{
		{name: "yaml", data: webYAML, format: FormatYAML, wantComps: 3, wantCache: true},
		{name: "json", data: webJSON, format: FormatJSON, wantComps: 2, wantCache: false},
		{name: "cue", data: webCUE, format: FormatCUE, wantComps: 2, wantCache: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := loader.Parse(ctx, []byte(tt.data), tt.format, "web."+string(tt.format))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if err := loader.Validate(ctx, m); err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if m.Name != "web" {
				t.Errorf("Expected name web, got %s", m.Name)
			}
			if len(m.Components) != tt.wantComps {
				t.Errorf("Expected %d components, got %d", tt.wantComps, len(m.Components))
			}
			if m.CacheEnabled() != tt.wantCache {
				t.Errorf("Expected cache enabled %v, got %v", tt.wantCache, m.CacheEnabled())
			}
			if m.Source != "web."+string(tt.format) {
				t.Errorf("Expected source to be recorded, got %q", m.Source)
			}
		})
	}
}

func TestLoader_YAMLDetails(t *testing.T) {
	m, err := newTestLoader().Parse(context.Background(), []byte(webYAML), FormatYAML, "web.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if m.CacheKey() != "web-prod" {
		t.Errorf("Expected cache key web-prod, got %s", m.CacheKey())
	}
	if m.MaxDepth != 50 {
		t.Errorf("Expected max depth 50, got %d", m.MaxDepth)
	}
	db, ok := m.Component("db")
	if !ok {
		t.Fatal("Expected db component")
	}
	if db.DisplayName() != "Database" || db.Labels["tier"] != "data" {
		t.Errorf("Unexpected db component: %+v", db)
	}
	server, _ := m.Component("server")
	if server.DisplayName() != "server" {
		t.Errorf("Expected display name to default to id, got %s", server.DisplayName())
	}
}

func TestLoader_ParseErrors(t *testing.T) {
	loader := newTestLoader()
	ctx := context.Background()

	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{name: "malformed yaml", data: "name: [", format: FormatYAML},
		{name: "unknown yaml field", data: "name: web\nfoo: bar\n", format: FormatYAML},
		{name: "unknown json field", data: `{"name":"web","foo":1}`, format: FormatJSON},
		{name: "malformed cue", data: "name: {", format: FormatCUE},
		{name: "cue schema violation", data: `name: "web app", components: [{id: "a", value: 1}]`, format: FormatCUE},
		{name: "cue unknown field", data: `name: "web", foo: 1, components: [{id: "a", value: 1}]`, format: FormatCUE},
		{name: "unknown format", data: "{}", format: Format("toml")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse(ctx, []byte(tt.data), tt.format, "bad")
			if err == nil {
				t.Fatal("Expected parse error")
			}
			if !engine.IsPermanent(err) {
				t.Errorf("Expected permanent error, got %v", err)
			}
		})
	}
}

func TestLoader_CUEErrorPositions(t *testing.T) {
	_, err := newTestLoader().Parse(context.Background(), []byte("name: \"web\"\ncomponents: [{id: \"bad id\", value: 1}]\n"), FormatCUE, "web.cue")
	verrs := requireValidationErrors(t, err)

	found := false
	for _, v := range verrs {
		if v.Line > 0 && v.Message != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a positioned error, got %v", verrs)
	}
}

func TestLoader_Validate(t *testing.T) {
	loader := newTestLoader()
	ctx := context.Background()

	tests := []struct {
		name     string
		manifest Manifest
		wantPath string
	}{
		{
			name:     "missing name",
			manifest: Manifest{Components: []ComponentConfig{{ID: "a", Value: 1}}},
			wantPath: "Name",
		},
		{
			name:     "no components",
			manifest: Manifest{Name: "web"},
			wantPath: "Components",
		},
		{
			name: "duplicate ids",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{
				{ID: "a", Value: 1},
				{ID: "a", Value: 2},
			}},
			wantPath: "Components",
		},
		{
			name:     "neither script nor value",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{{ID: "a"}}},
			wantPath: "Components[0].Script",
		},
		{
			name:     "invalid id",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{{ID: "a b", Value: 1}}},
			wantPath: "Components[0].ID",
		},
		{
			name:     "repeated dependency",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{{ID: "a", Value: 1}, {ID: "b", Value: 1, DependsOn: []string{"a", "a"}}}},
			wantPath: "Components[1].DependsOn",
		},
		{
			name:     "unknown dependency",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{{ID: "a", Value: 1, DependsOn: []string{"ghost"}}}},
			wantPath: "components[0].depends_on[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verrs := requireValidationErrors(t, loader.Validate(ctx, &tt.manifest))
			found := false
			for _, v := range verrs {
				if v.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected error at %s, got %v", tt.wantPath, verrs)
			}
		})
	}
}

func TestLoader_CyclesAreNotValidationErrors(t *testing.T) {
	m := &Manifest{Name: "web", Components: []ComponentConfig{
		{ID: "a", Script: "value = 1", DependsOn: []string{"b"}},
		{ID: "b", Script: "value = 1", DependsOn: []string{"a"}},
	}}
	if err := newTestLoader().Validate(context.Background(), m); err != nil {
		t.Errorf("Expected cycle to pass validation, got %v", err)
	}
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	loader := newTestLoader()
	ctx := context.Background()

	path := filepath.Join(dir, "web.yaml")
	if err := os.WriteFile(path, []byte(webYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	m, err := loader.LoadFile(ctx, path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(m.Components) != 3 {
		t.Errorf("Expected 3 components, got %d", len(m.Components))
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("name: web\ncomponents:\n  - id: a\n    value: 1\n    depends_on: [ghost]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	verrs := requireValidationErrors(t, func() error { _, err := loader.LoadFile(ctx, bad); return err }())
	if verrs[0].File != bad {
		t.Errorf("Expected error file %s, got %s", bad, verrs[0].File)
	}

	if _, err := loader.LoadFile(ctx, filepath.Join(dir, "web.toml")); err == nil {
		t.Error("Expected unsupported extension error")
	}
	if _, err := loader.LoadFile(ctx, filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestValidationErrorString(t *testing.T) {
	v := ValidationError{File: "web.cue", Line: 3, Column: 7, Path: "components.0.id", Message: "invalid value"}
	if got, want := v.String(), "web.cue:3:7: components.0.id: invalid value"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	errs := ValidationErrors{{Message: "a"}, {Message: "b"}}
	if !strings.Contains(errs.Error(), "a; b") {
		t.Errorf("Expected joined messages, got %q", errs.Error())
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"a.yaml": FormatYAML,
		"a.yml":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		if err != nil || got != want {
			t.Errorf("FormatFromPath(%s) = %s, %v; want %s", path, got, err, want)
		}
	}
	if _, err := FormatFromPath("a.txt"); err == nil {
		t.Error("Expected error for .txt")
	}
}
