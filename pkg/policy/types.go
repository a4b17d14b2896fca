package policy

import (
	"sort"
	"time"

	"github.com/openfroyo/inittree/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block resolution.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block resolution.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies resolution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module must define
// a deny set; each element is a message string or an object with message,
// and optionally severity and component.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Component is the offending component id, if the policy named one.
	Component string `json:"component,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity" yaml:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block resolution.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// All returns blocking violations followed by warnings.
func (r *Result) All() []Violation {
	out := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

// Input is the document policies see as input.
type Input struct {
	// Manifest is the manifest name.
	Manifest string `json:"manifest"`

	// Graph is the dependency graph of the components to resolve.
	Graph GraphInput `json:"graph"`

	// Context carries evaluation settings.
	Context InputContext `json:"context"`
}

// GraphInput is a JSON-friendly view of engine.DependencyGraph.
type GraphInput struct {
	Nodes    []NodeInput `json:"nodes"`
	Edges    []EdgeInput `json:"edges"`
	Roots    []string    `json:"roots"`
	Levels   [][]string  `json:"levels"`
	Missing  []string    `json:"missing"`
	Unplaced []string    `json:"unplaced"`
	Cycle    []string    `json:"cycle"`
	Depth    int         `json:"depth"`
}

// NodeInput is one component in the graph.
type NodeInput struct {
	ID           string            `json:"id"`
	Name         string            `json:"name" yaml:"name"`
	Level        int               `json:"level"`
	Dependencies []string          `json:"dependencies"`
	Dependents   []string          `json:"dependents"`
	Labels       map[string]string `json:"labels"`
}

// EdgeInput points from a dependency (From) to its dependent (To). Missing
// marks a dependency no descriptor provides.
type EdgeInput struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Missing bool   `json:"missing"`
}

// InputContext carries evaluation settings.
type InputContext struct {
	// RunID identifies the resolution run, if any.
	RunID string `json:"run_id,omitempty"`

	// Environment is a free-form deployment environment.
	Environment string `json:"environment,omitempty"`

	// MaxDepth is the dependency chain ceiling in effect.
	MaxDepth int `json:"max_depth"`

	// RequiredLabels must be present on every component.
	RequiredLabels []string `json:"required_labels"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds policy input from a dependency graph. labels maps
// identities to component labels; idFn maps identities to the ids policies
// report, and defaults to the identity string.
func NewInput(manifest string, g *engine.DependencyGraph, labels map[engine.Identity]map[string]string, idFn func(engine.Identity) string, ictx InputContext) *Input {
	if idFn == nil {
		idFn = func(id engine.Identity) string { return string(id) }
	}
	ids := func(in []engine.Identity) []string {
		out := make([]string, len(in))
		for i, id := range in {
			out[i] = idFn(id)
		}
		return out
	}

	gi := GraphInput{
		Nodes:    make([]NodeInput, 0, len(g.Nodes)),
		Edges:    make([]EdgeInput, 0, len(g.Edges)),
		Roots:    ids(g.Roots),
		Levels:   make([][]string, len(g.Levels)),
		Missing:  ids(g.Missing),
		Unplaced: ids(g.Unplaced),
		Cycle:    ids(g.Cycle),
		Depth:    g.Depth,
	}
	for i, level := range g.Levels {
		gi.Levels[i] = ids(level)
	}
	for _, node := range g.Nodes {
		l := labels[node.ID]
		if l == nil {
			l = map[string]string{}
		}
		gi.Nodes = append(gi.Nodes, NodeInput{
			ID:           idFn(node.ID),
			Name:         node.Name,
			Level:        node.Level,
			Dependencies: ids(node.Dependencies),
			Dependents:   ids(node.Dependents),
			Labels:       l,
		})
	}
	sort.Slice(gi.Nodes, func(i, j int) bool { return gi.Nodes[i].ID < gi.Nodes[j].ID })
	for _, e := range g.Edges {
		gi.Edges = append(gi.Edges, EdgeInput{From: idFn(e.From), To: idFn(e.To), Missing: e.Missing})
	}

	if ictx.RequiredLabels == nil {
		ictx.RequiredLabels = []string{}
	}
	if ictx.Timestamp.IsZero() {
		ictx.Timestamp = time.Now()
	}

	return &Input{Manifest: manifest, Graph: gi, Context: ictx}
}
