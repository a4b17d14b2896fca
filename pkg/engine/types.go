package engine

import "time"

// Event represents a timeline event during resolution.
type Event struct {
	// ID is the unique identifier for this event. Publishers fill it in when empty.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the resolution run this event belongs to.
	RunID string `json:"run_id,omitempty"`

	// Component is the identity of the component, if applicable.
	Component Identity `json:"component,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// DependencyGraph is a read-only view of a pending set: who depends on whom,
// in which topological level each component could be built, and what can
// never be built.
type DependencyGraph struct {
	// Nodes maps identities to their graph nodes.
	Nodes map[Identity]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges, From the dependency To the dependent.
	Edges []GraphEdge `json:"edges"`

	// Roots are the identities with no dependencies.
	Roots []Identity `json:"roots"`

	// Levels groups identities by topological level.
	Levels [][]Identity `json:"levels"`

	// Missing lists dependency identities no descriptor provides.
	Missing []Identity `json:"missing,omitempty"`

	// Unplaced lists identities that cannot be built because they sit on a
	// cycle or depend, directly or not, on a missing identity.
	Unplaced []Identity `json:"unplaced,omitempty"`

	// Cycle is one dependency cycle, first identity repeated at the end.
	// Empty when the graph is acyclic.
	Cycle []Identity `json:"cycle,omitempty"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the dependency graph.
type GraphNode struct {
	// ID is the component identity.
	ID Identity `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// Level is the topological level, or -1 when unplaced.
	Level int `json:"level"`

	// Dependencies are the identities this component needs.
	Dependencies []Identity `json:"dependencies"`

	// Dependents are the identities that need this component.
	Dependents []Identity `json:"dependents"`
}

// GraphEdge represents an edge in the dependency graph.
type GraphEdge struct {
	// From is the dependency.
	From Identity `json:"from"`

	// To is the dependent.
	To Identity `json:"to"`

	// Missing is set when no descriptor provides From.
	Missing bool `json:"missing,omitempty"`
}
