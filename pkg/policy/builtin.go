package policy

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		missingDependenciesPolicy(),
		dependencyCyclePolicy(),
		maxDepthPolicy(),
		componentNamingPolicy(),
		requiredLabelsPolicy(),
		isolatedComponentsPolicy(),
	}
}

// missingDependenciesPolicy denies dependencies no component provides.
func missingDependenciesPolicy() Policy {
	return Policy{
		Name:        "missing-dependencies",
		Description: "Every declared dependency must be provided by a component",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"graph"},
		Rego: `package inittree.policies.missing

import rego.v1

deny contains violation if {
	some edge in input.graph.edges
	edge.missing
	violation := {
		"message": sprintf("%s depends on %s, which no component provides", [edge.to, edge.from]),
		"component": edge.to,
	}
}
`,
	}
}

// dependencyCyclePolicy denies manifests whose graph has a cycle.
func dependencyCyclePolicy() Policy {
	return Policy{
		Name:        "dependency-cycle",
		Description: "Components must not depend on each other in a cycle",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"graph"},
		Rego: `package inittree.policies.cycle

import rego.v1

deny contains violation if {
	count(input.graph.cycle) > 0
	violation := {
		"message": sprintf("dependency cycle: %s", [concat(" -> ", input.graph.cycle)]),
		"component": input.graph.cycle[0],
	}
}
`,
	}
}

// maxDepthPolicy denies graphs deeper than the configured chain ceiling.
func maxDepthPolicy() Policy {
	return Policy{
		Name:        "max-depth",
		Description: "The dependency graph must not be deeper than the chain ceiling",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"graph", "limits"},
		Rego: `package inittree.policies.depth

import rego.v1

deny contains violation if {
	input.context.max_depth > 0
	input.graph.depth > input.context.max_depth
	violation := sprintf("graph depth %d exceeds max depth %d", [input.graph.depth, input.context.max_depth])
}

deny contains violation if {
	input.context.max_depth > 0
	input.graph.depth <= input.context.max_depth
	input.graph.depth * 10 > input.context.max_depth * 8
	violation := {
		"message": sprintf("graph depth %d is within 80%% of max depth %d", [input.graph.depth, input.context.max_depth]),
		"severity": "warning",
	}
}
`,
	}
}

// componentNamingPolicy warns about ids that are not lowercase kebab case.
func componentNamingPolicy() Policy {
	return Policy{
		Name:        "component-naming",
		Description: "Component ids should be lowercase letters, digits, dots and hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package inittree.policies.naming

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	not regex.match("^[a-z0-9][a-z0-9.-]*$", node.id)
	violation := {
		"message": sprintf("component id '%s' should be lowercase with dots and hyphens only", [node.id]),
		"component": node.id,
	}
}
`,
	}
}

// requiredLabelsPolicy requires the labels listed in the evaluation context.
func requiredLabelsPolicy() Policy {
	return Policy{
		Name:        "required-labels",
		Description: "Every component must carry the required labels",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"labels", "governance"},
		Rego: `package inittree.policies.labels

import rego.v1

deny contains violation if {
	some node in input.graph.nodes
	some label in input.context.required_labels
	not node.labels[label]
	violation := {
		"message": sprintf("component %s is missing required label '%s'", [node.id, label]),
		"component": node.id,
	}
}
`,
	}
}

// isolatedComponentsPolicy reports components nothing depends on and that
// depend on nothing, in manifests with more than one component.
func isolatedComponentsPolicy() Policy {
	return Policy{
		Name:        "isolated-components",
		Description: "Reports components with no dependencies and no dependents",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"graph"},
		Rego: `package inittree.policies.isolated

import rego.v1

deny contains violation if {
	count(input.graph.nodes) > 1
	some node in input.graph.nodes
	count(node.dependencies) == 0
	count(node.dependents) == 0
	violation := {
		"message": sprintf("component %s is isolated", [node.id]),
		"component": node.id,
	}
}
`,
	}
}
