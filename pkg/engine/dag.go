package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder builds a DependencyGraph from descriptors. Unlike resolution,
// building a graph never fails on cycles or missing dependencies; they are
// reported on the graph instead.
type GraphBuilder struct {
	// descs maps identities to their descriptors
	descs map[Identity]Descriptor

	// ids holds the descriptor identities in sorted order
	ids []Identity

	// dependents maps identities to the identities that depend on them
	dependents map[Identity][]Identity

	// inDegree counts unmet dependencies, missing ones included
	inDegree map[Identity]int

	// missing collects dependency identities with no descriptor
	missing map[Identity]struct{}

	// levels maps topological level to identities at that level
	levels [][]Identity
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		descs:      make(map[Identity]Descriptor),
		dependents: make(map[Identity][]Identity),
		inDegree:   make(map[Identity]int),
		missing:    make(map[Identity]struct{}),
		levels:     make([][]Identity, 0),
	}
}

// BuildGraph is shorthand for NewGraphBuilder().Build(descs).
func BuildGraph(descs []Descriptor) (*DependencyGraph, error) {
	return NewGraphBuilder().Build(descs)
}

// Build constructs a dependency graph. Descriptors must have unique,
// non-empty identities; Tree.Descriptors already satisfies that.
func (b *GraphBuilder) Build(descs []Descriptor) (*DependencyGraph, error) {
	if err := b.initialize(descs); err != nil {
		return nil, err
	}
	b.computeLevels()
	return b.buildDependencyGraph(), nil
}

// initialize sets up the internal data structures from descriptors.
func (b *GraphBuilder) initialize(descs []Descriptor) error {
	for _, d := range descs {
		if d.id == "" {
			return NewPermanentError("descriptor has empty identity", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.descs[d.id]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate descriptor identity: %s", d.id), nil).
				WithCode(ErrCodeValidation).WithResource(d.name)
		}
		b.descs[d.id] = d
		b.ids = append(b.ids, d.id)
	}
	sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })

	for _, id := range b.ids {
		d := b.descs[id]
		b.inDegree[id] = len(d.deps)
		for _, dep := range d.deps {
			if _, ok := b.descs[dep]; !ok {
				b.missing[dep] = struct{}{}
			}
			b.dependents[dep] = append(b.dependents[dep], id)
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. A dependency listed
// twice counts twice, and missing dependencies are never released, so their
// dependents stay unplaced.
func (b *GraphBuilder) computeLevels() {
	inDegree := make(map[Identity]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]Identity, 0)
	for _, id := range b.ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		b.levels = append(b.levels, current)

		next := make([]Identity, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}
}

// findCycle uses depth-first search over dependency edges and returns the
// first cycle found.
func (b *GraphBuilder) findCycle() []Identity {
	const (
		white = iota
		grey
		black
	)
	color := make(map[Identity]int, len(b.ids))
	var path []Identity

	var visit func(id Identity) []Identity
	visit = func(id Identity) []Identity {
		color[id] = grey
		path = append(path, id)
		for _, dep := range b.descs[id].deps {
			if _, ok := b.descs[dep]; !ok {
				continue
			}
			switch color[dep] {
			case grey:
				for i, p := range path {
					if p == dep {
						cycle := append([]Identity(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range b.ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// buildDependencyGraph creates the final DependencyGraph structure.
func (b *GraphBuilder) buildDependencyGraph() *DependencyGraph {
	graph := &DependencyGraph{
		Nodes:  make(map[Identity]*GraphNode, len(b.ids)),
		Edges:  make([]GraphEdge, 0),
		Roots:  make([]Identity, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for _, id := range b.ids {
		d := b.descs[id]
		graph.Nodes[id] = &GraphNode{
			ID:           id,
			Name:         d.name,
			Level:        -1,
			Dependencies: d.Dependencies(),
			Dependents:   append([]Identity(nil), b.dependents[id]...),
		}
		if len(d.deps) == 0 {
			graph.Roots = append(graph.Roots, id)
		}
		for _, dep := range d.deps {
			_, missing := b.missing[dep]
			graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: id, Missing: missing})
		}
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id].Level = level
		}
	}
	for _, id := range b.ids {
		if graph.Nodes[id].Level < 0 {
			graph.Unplaced = append(graph.Unplaced, id)
		}
	}

	for id := range b.missing {
		graph.Missing = append(graph.Missing, id)
	}
	sort.Slice(graph.Missing, func(i, j int) bool { return graph.Missing[i] < graph.Missing[j] })

	if len(graph.Unplaced) > 0 {
		graph.Cycle = b.findCycle()
	}
	return graph
}

// Order returns the placed identities level by level.
func (g *DependencyGraph) Order() []Identity {
	var out []Identity
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	// Group nodes by level for better visualization
	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    %q [label=%q, fillcolor=\"lightgreen\", style=\"filled,rounded\"];\n",
				string(id), g.Nodes[id].Name))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.Unplaced {
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n",
			string(id), g.Nodes[id].Name))
	}
	for _, id := range g.Missing {
		sb.WriteString(fmt.Sprintf("  %q [label=%q, color=\"red\", style=\"dashed\"];\n",
			string(id), string(id)+" (missing)"))
	}

	for _, edge := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", string(edge.To), string(edge.From), edgeStyle(edge)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// edgeStyle returns a DOT style string for an edge.
func edgeStyle(edge GraphEdge) string {
	if edge.Missing {
		return "style=dashed, color=red"
	}
	return "style=solid, color=black"
}

// joinIdentities formats identities for error messages.
func joinIdentities(ids []Identity, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, sep)
}

// Validate reports the first reason the graph cannot fully resolve.
func (g *DependencyGraph) Validate() error {
	if len(g.Cycle) > 0 {
		return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", joinIdentities(g.Cycle, " -> ")), nil).
			WithCode(ErrCodeDependencyTooDeep).
			WithDetail("cycle", g.Cycle)
	}
	if len(g.Missing) > 0 {
		return NewPermanentError(fmt.Sprintf("missing dependencies: %s", joinIdentities(g.Missing, ", ")), nil).
			WithCode(ErrCodeNotFound).
			WithDetail("missing", g.Missing)
	}
	if len(g.Unplaced) > 0 {
		names := make([]string, len(g.Unplaced))
		for i, id := range g.Unplaced {
			names[i] = g.Nodes[id].Name
		}
		return newUnresolvedError(names)
	}
	return nil
}
