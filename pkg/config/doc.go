// Package config loads component manifests and compiles them into engine
// descriptors.
//
// # Overview
//
// A manifest names a set of components, their direct dependencies and how
// each one is built: either a static value or a Starlark script. Manifests
// are written in YAML, JSON or CUE.
//
// # Components
//
// Loader: Parses manifests and validates them in three passes: struct tags
// (validator/v10), the built-in CUE #Manifest schema, and cross-component
// references. Problems are reported together as ValidationErrors with file
// positions where the source format carries them.
//
// SchemaRegistry: Holds compiled CUE definitions. The built-in "manifest" and
// "component" schemas are always present.
//
// StarlarkEvaluator: Runs a script synchronously with a timeout and an
// execution step budget. Scripts may use the json, math and time modules.
// print output goes to the debug log.
//
// Compiler: Turns each component into an engine.Descriptor identified by
// ComponentIdentity. Script constructors decline until they assign value.
//
// # Usage Example
//
//	loader := config.NewLoader(logger)
//	m, err := loader.LoadFile(ctx, "web.yaml")
//	if err != nil {
//	    return err
//	}
//
//	catalog, err := config.NewCompiler(nil, logger).CompileCatalog(ctx, m)
//	if err != nil {
//	    return err
//	}
//	tree := engine.NewTree(catalog, engine.WithMaxDepth(m.MaxDepth))
//	for _, c := range m.Components {
//	    if err := tree.RegisterID(config.ComponentIdentity(c.ID)); err != nil {
//	        return err
//	    }
//	}
//	result, err := tree.Resolve(ctx)
//
// # Manifest Structure
//
//	name: web
//	variables:
//	  env: prod
//	cache:
//	  key: web-prod
//	components:
//	  - id: config
//	    value: {port: 5432}
//	  - id: db
//	    depends_on: [config]
//	    script: |
//	      value = "db:%d" % deps["config"]["port"]
package config
