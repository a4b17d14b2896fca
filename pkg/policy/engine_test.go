package policy

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"
)

type component struct {
	id     string
	deps   []string
	labels map[string]string
}

func buildInput(t *testing.T, ictx InputContext, comps ...component) *Input {
	t.Helper()
	descs := make([]engine.Descriptor, len(comps))
	labels := make(map[engine.Identity]map[string]string)
	for i, c := range comps {
		deps := make([]engine.Identity, len(c.deps))
		for j, d := range c.deps {
			deps[j] = engine.Identity(d)
		}
		descs[i] = engine.NewDescriptor(engine.Identity(c.id), c.id, deps, func(*engine.Handles) (any, bool) { return nil, true })
		labels[engine.Identity(c.id)] = c.labels
	}
	g, err := engine.BuildGraph(descs)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return NewInput("test", g, labels, nil, ictx)
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func policiesNamed(vs []Violation) []string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Policy
	}
	return names
}

type countingRecorder struct {
	calls map[string]int
}

func (r *countingRecorder) RecordPolicyViolation(policy, severity string) {
	r.calls[policy+"/"+severity]++
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	expected := []string{
		"component-naming",
		"dependency-cycle",
		"isolated-components",
		"max-depth",
		"missing-dependencies",
		"required-labels",
	}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("Expected built-in policies %v, got %v", expected, names)
	}

	if len(newTestEngine(t, WithoutBuiltins()).ListPolicies()) != 0 {
		t.Error("Expected no policies with WithoutBuiltins")
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		ictx           InputContext
		comps          []component
		expectAllowed  bool
		expectBlocking []string
		expectWarnings []string
	}{
		{
			name: "clean chain",
			comps: []component{
				{id: "config"},
				{id: "db", deps: []string{"config"}},
				{id: "server", deps: []string{"db"}},
			},
			expectAllowed: true,
		},
		{
			name: "missing dependency",
			comps: []component{
				{id: "server", deps: []string{"db"}},
			},
			expectAllowed:  false,
			expectBlocking: []string{"missing-dependencies"},
		},
		{
			name: "cycle",
			comps: []component{
				{id: "a", deps: []string{"b"}},
				{id: "b", deps: []string{"a"}},
			},
			expectAllowed:  false,
			expectBlocking: []string{"dependency-cycle"},
		},
		{
			name: "too deep",
			ictx: InputContext{MaxDepth: 2},
			comps: []component{
				{id: "a"},
				{id: "b", deps: []string{"a"}},
				{id: "c", deps: []string{"b"}},
			},
			expectAllowed:  false,
			expectBlocking: []string{"max-depth"},
		},
		{
			name: "close to depth limit",
			ictx: InputContext{MaxDepth: 3},
			comps: []component{
				{id: "a"},
				{id: "b", deps: []string{"a"}},
				{id: "c", deps: []string{"b"}},
			},
			expectAllowed:  true,
			expectWarnings: []string{"max-depth"},
		},
		{
			name: "uppercase id",
			comps: []component{
				{id: "Config"},
				{id: "db", deps: []string{"Config"}},
			},
			expectAllowed:  true,
			expectWarnings: []string{"component-naming"},
		},
		{
			name: "missing required label",
			ictx: InputContext{RequiredLabels: []string{"owner"}},
			comps: []component{
				{id: "config", labels: map[string]string{"owner": "platform"}},
				{id: "db", deps: []string{"config"}},
			},
			expectAllowed:  false,
			expectBlocking: []string{"required-labels"},
		},
		{
			name: "isolated component",
			comps: []component{
				{id: "config"},
				{id: "db", deps: []string{"config"}},
				{id: "metrics"},
			},
			expectAllowed:  true,
			expectWarnings: []string{"isolated-components"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, buildInput(t, tt.ictx, tt.comps...))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(result.Errors) > 0 {
				t.Fatalf("Unexpected evaluation errors: %v", result.Errors)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if got := policiesNamed(result.Violations); len(got) != len(tt.expectBlocking) || (len(got) > 0 && !reflect.DeepEqual(got, tt.expectBlocking)) {
				t.Errorf("Expected blocking %v, got %v", tt.expectBlocking, got)
			}
			if got := policiesNamed(result.Warnings); len(got) != len(tt.expectWarnings) || (len(got) > 0 && !reflect.DeepEqual(got, tt.expectWarnings)) {
				t.Errorf("Expected warnings %v, got %v", tt.expectWarnings, got)
			}
		})
	}
}

func TestEvaluate_ViolationDetails(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), buildInput(t, InputContext{}, component{id: "server", deps: []string{"db"}}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Component != "server" || v.Severity != SeverityError {
		t.Errorf("Unexpected violation %+v", v)
	}
	if !strings.Contains(v.Message, "server depends on db") {
		t.Errorf("Unexpected message %q", v.Message)
	}
}

func TestEvaluate_Recorder(t *testing.T) {
	rec := &countingRecorder{calls: make(map[string]int)}
	eng := newTestEngine(t, WithRecorder(rec))

	_, err := eng.Evaluate(context.Background(), buildInput(t, InputContext{RequiredLabels: []string{"owner"}},
		component{id: "a"},
		component{id: "b", deps: []string{"a"}},
	))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if rec.calls["required-labels/error"] != 2 {
		t.Errorf("Expected 2 required-labels violations recorded, got %v", rec.calls)
	}
}

func TestAddPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	ctx := context.Background()

	custom := Policy{
		Name:     "no-legacy",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package custom.legacy

import rego.v1

deny contains msg if {
	some node in input.graph.nodes
	startswith(node.id, "legacy")
	msg := sprintf("%s is legacy", [node.id])
}
`,
	}
	if err := eng.AddPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	result, err := eng.Evaluate(ctx, buildInput(t, InputContext{}, component{id: "legacy-db"}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected critical violation to block")
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "legacy-db is legacy" {
		t.Errorf("Unexpected violations %+v", result.Violations)
	}

	err = Check(result)
	if !errors.Is(err, engine.ErrPolicyDenied) {
		t.Fatalf("Expected policy denied error, got %v", err)
	}
	if !strings.Contains(err.Error(), "no-legacy: legacy-db is legacy") {
		t.Errorf("Expected violation in error, got %v", err)
	}
}

func TestAddPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "ok", Enabled: true, Rego: "package ok\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"},
		{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains {"},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListPolicies()) != before {
		t.Error("Expected no policies stored after a compile error")
	}
}

func TestCheck_Allowed(t *testing.T) {
	if err := Check(&Result{Allowed: true}); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if err := Check(nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := buildInput(t, InputContext{}, component{id: "server", deps: []string{"db"}})

	if err := eng.DisablePolicy("missing-dependencies"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected allowed with policy disabled, got %+v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "missing-dependencies" {
			t.Error("Expected disabled policy not to be evaluated")
		}
	}

	if err := eng.EnablePolicy("missing-dependencies"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected denial with policy enabled")
	}

	if err := eng.EnablePolicy("nonexistent"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := eng.GetPolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicies(ctx, []Policy{{Name: "extra", Enabled: true, Rego: "package extra\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}}); err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("extra"); err != nil {
		t.Fatalf("Expected extra policy: %v", err)
	}

	if err := eng.ReloadPolicies(ctx, nil); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("extra"); err == nil {
		t.Error("Expected extra policy to be dropped on reload")
	}
	if len(eng.ListPolicies()) != len(BuiltinPolicies()) {
		t.Errorf("Expected only built-ins after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestNewInput_UsesIDMapping(t *testing.T) {
	descs := []engine.Descriptor{
		engine.NewDescriptor("manifest/a", "A", nil, func(*engine.Handles) (any, bool) { return nil, true }),
		engine.NewDescriptor("manifest/b", "B", []engine.Identity{"manifest/a"}, func(*engine.Handles) (any, bool) { return nil, true }),
	}
	g, err := engine.BuildGraph(descs)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	input := NewInput("web", g, nil, func(id engine.Identity) string {
		return strings.TrimPrefix(string(id), "manifest/")
	}, InputContext{})

	if input.Graph.Nodes[0].ID != "a" || input.Graph.Nodes[1].ID != "b" {
		t.Errorf("Expected mapped ids, got %+v", input.Graph.Nodes)
	}
	if !reflect.DeepEqual(input.Graph.Levels, [][]string{{"a"}, {"b"}}) {
		t.Errorf("Unexpected levels %v", input.Graph.Levels)
	}
	if input.Graph.Edges[0].From != "a" || input.Graph.Edges[0].To != "b" {
		t.Errorf("Unexpected edge %+v", input.Graph.Edges[0])
	}
	if input.Context.RequiredLabels == nil || input.Context.Timestamp.IsZero() {
		t.Error("Expected context defaults to be filled")
	}
}
