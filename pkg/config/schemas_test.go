package config

import (
	"context"
	"reflect"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Probe: {
	target:   string
	interval: int & >0
}
`

	if err := sr.RegisterSchema("probe", customSchema, "#Probe"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("probe")
	if !ok {
		t.Fatal("expected to find probe schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "probe", map[string]interface{}{"target": "db", "interval": 5}); err != nil {
		t.Errorf("expected valid probe, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "probe", map[string]interface{}{"target": "db", "interval": 0}); err == nil {
		t.Error("expected interval constraint to fail")
	}
	if err := sr.ValidateAgainstSchema(ctx, "probe", map[string]interface{}{"target": "db", "interval": 5, "extra": true}); err == nil {
		t.Error("expected closed definition to reject extra field")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#A: {", "#A"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("nodef", "#A: string", "#B"); err == nil {
		t.Error("expected missing definition error")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "unknown", nil); err == nil {
		t.Error("expected unknown schema error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if got, want := sr.ListSchemas(), []string{"component", "manifest"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestSchemaRegistry_ValidateManifest(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	disabled := false
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name: "valid manifest",
			manifest: Manifest{
				Name:       "web",
				Cache:      &CacheConfig{Enabled: &disabled},
				Variables:  map[string]interface{}{"port": 8080},
				Components: []ComponentConfig{{ID: "config", Value: map[string]interface{}{"port": 8080}}},
			},
		},
		{
			name: "component with dependencies and labels",
			manifest: Manifest{
				Name: "web",
				Components: []ComponentConfig{
					{ID: "config", Value: 1},
					{ID: "server", DependsOn: []string{"config"}, Script: "value = 1", Labels: map[string]string{"tier": "frontend"}},
				},
			},
		},
		{
			name:     "no components",
			manifest: Manifest{Name: "web"},
			wantErr:  true,
		},
		{
			name:     "bad manifest name",
			manifest: Manifest{Name: "web app", Components: []ComponentConfig{{ID: "a", Value: 1}}},
			wantErr:  true,
		},
		{
			name:     "bad dependency id",
			manifest: Manifest{Name: "web", Components: []ComponentConfig{{ID: "a", Value: 1, DependsOn: []string{"b/c"}}}},
			wantErr:  true,
		},
		{
			name:     "negative max depth",
			manifest: Manifest{Name: "web", MaxDepth: -1, Components: []ComponentConfig{{ID: "a", Value: 1}}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateManifest(ctx, &tt.manifest)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateManifest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateComponent(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.ValidateComponent(ctx, ComponentConfig{ID: "db", Script: "value = 1"}); err != nil {
		t.Errorf("expected valid component, got %v", err)
	}
	if err := sr.ValidateComponent(ctx, ComponentConfig{ID: "", Script: "value = 1"}); err == nil {
		t.Error("expected empty id to fail")
	}
}
