// Package engine resolves the construction order of interdependent
// singleton components and builds each of them exactly once.
//
// # Overview
//
// Resolution runs in four steps:
//
//  1. Register - Descriptors are enqueued along with their transitive dependencies
//  2. Deduplicate - The pending set is sorted by Identity and duplicates dropped
//  3. Replay - A previously recorded Cache is replayed, if one is loaded
//  4. Sweep - Pending descriptors are constructed until a pass makes no progress
//
// The outcome is a Result from which every instance can be taken exactly once.
//
// # Descriptors
//
// A Descriptor names a component (Identity), its direct dependencies, a
// Constructor and a display name. Descriptors are usually built with the
// generic helpers:
//
//	type Database struct{ DSN string }
//	type Server struct{ Addr, DSN string }
//
//	catalog, _ := engine.NewCatalog(
//	    engine.Describe(func(*engine.Handles) (Database, bool) {
//	        return Database{DSN: "file::memory:"}, true
//	    }),
//	    engine.Describe(func(h *engine.Handles) (Server, bool) {
//	        db, ok := engine.Use[Database](h)
//	        if !ok {
//	            return Server{}, false
//	        }
//	        return Server{Addr: ":8080", DSN: db.DSN}, true
//	    }, engine.IdentityOf[Database]()),
//	)
//
// A constructor that returns false is "not ready"; the descriptor stays
// pending and is retried on the next sweep.
//
// # Resolution
//
//	tree := engine.NewTree(catalog, engine.WithLogger(logger))
//	if err := engine.Register[Server](tree); err != nil {
//	    return err
//	}
//	res, err := tree.Resolve(ctx)
//	srv, ok := engine.Take[Server](res)
//
// Constructors receive Handles scoped to their declared dependencies. Each
// dependency instance is lent to one constructor at a time; asking for the
// same instance twice in one call fails with ErrBorrowConflict.
//
// # Cycle detection
//
// The collector does not search for cycles explicitly. Any dependency chain
// that reaches the depth ceiling (DefaultMaxDepth, or WithMaxDepth) fails
// with ErrDependencyTooDeep. A component that depends on itself, directly or
// through others, always reaches it.
//
// # Caching
//
// With caching enabled, Resolve records which pending slot was built at
// each step. Loading that Cache into a tree with the same graph replays the
// steps without scanning; CacheWasCorrect reports whether the replay held.
// When it diverges the full sweep takes over and a fresh cache is recorded.
//
// # Error Handling
//
// Errors are EngineError values with a class and a code. Use errors.Is with
// the exported sentinels:
//
//	if errors.Is(err, engine.ErrUnresolvedDependencies) {
//	    log.Printf("stuck on %v", engine.StuckComponents(err))
//	}
//
// # Observability
//
// A Tree logs through zerolog, opens an OpenTelemetry span per Resolve and
// reports to an optional Recorder and EventPublisher. The telemetry package
// implements both.
package engine
