// Package policy evaluates Open Policy Agent (OPA) admission policies over a
// component dependency graph before it is resolved.
//
// # Architecture
//
//  1. Engine - Compiles Rego policies and evaluates them against an Input
//  2. Loader - Loads policies from .rego files and .json or .yaml definitions
//  3. Watcher - Calls back after watched files change (fsnotify)
//  4. Built-in Policies - Graph checks every manifest gets
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithRecorder(metrics))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	graph, err := engine.BuildGraph(tree.Descriptors())
//	if err != nil {
//	    return err
//	}
//	input := policy.NewInput(m.Name, graph, labels, nil, policy.InputContext{MaxDepth: 500})
//	result, err := eng.Evaluate(ctx, input)
//	if err != nil {
//	    return err
//	}
//	if err := policy.Check(result); err != nil {
//	    return err // errors.Is(err, engine.ErrPolicyDenied)
//	}
//
// # Input Document
//
//	input.manifest                     manifest name
//	input.graph.nodes[_]               {id, name, level, dependencies, dependents, labels}
//	input.graph.edges[_]               {from, to, missing}; from is the dependency
//	input.graph.roots / levels / missing / unplaced / cycle / depth
//	input.context.max_depth            chain ceiling in effect
//	input.context.required_labels      labels every component must carry
//	input.context.environment / run_id / timestamp
//
// # Built-in Policies
//
//  1. missing-dependencies (error) - every dependency is provided
//  2. dependency-cycle (error) - no component depends on itself transitively
//  3. max-depth (error, warning near the limit) - graph depth within the ceiling
//  4. component-naming (warning) - lowercase ids
//  5. required-labels (error) - labels named in the context are present
//  6. isolated-components (info) - components with no edges
//
// # Custom Policies
//
// A policy module defines a deny set. Elements are message strings or
// objects with message and optional severity and component:
//
//	package custom.ownership
//
//	import rego.v1
//
//	deny contains violation if {
//	    some node in input.graph.nodes
//	    node.labels.tier == "data"
//	    not node.labels.owner
//	    violation := {
//	        "message": sprintf("%s stores data and needs an owner", [node.id]),
//	        "component": node.id,
//	    }
//	}
//
// A METADATA block on the package sets the description and, through a
// custom severity key, the default severity:
//
//	# METADATA
//	# description: Data components need an owner.
//	# custom:
//	#   severity: warning
//	package custom.ownership
//
// Violations with error or critical severity deny resolution; info and
// warning are reported as warnings.
package policy
