package engine

// DefaultMaxDepth is the dependency chain length at which collection gives
// up. A type that depends on itself, directly or through others, always
// reaches it.
const DefaultMaxDepth = 500

// lookupFunc finds the descriptor for a dependency identity.
type lookupFunc func(Identity) (Descriptor, bool)

// collector computes the transitive dependency set of a root descriptor.
//
// There is no explicit cycle search. Any chain that reaches maxDepth is
// rejected, and a cycle always does. heights memoizes the longest chain below
// each fully expanded identity so shared dependencies are expanded once while
// the depth check still sees every path.
type collector struct {
	maxDepth int
	lookup   lookupFunc
	heights  map[Identity]int
	path     []string
	out      []Descriptor
}

func newCollector(maxDepth int, lookup lookupFunc) *collector {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &collector{
		maxDepth: maxDepth,
		lookup:   lookup,
		heights:  make(map[Identity]int),
	}
}

// collectDependencies returns every descriptor reachable from root, root
// excluded, in visit order. Duplicates are kept; the tree drops them before
// resolving.
func collectDependencies(root Descriptor, maxDepth int, lookup lookupFunc) ([]Descriptor, error) {
	c := newCollector(maxDepth, lookup)
	if _, err := c.visit(root, 0); err != nil {
		return nil, err
	}
	return c.out, nil
}

// visit appends d's direct dependencies, then recurses into each one. It
// returns the length of the longest chain below d.
func (c *collector) visit(d Descriptor, depth int) (int, error) {
	c.path = append(c.path, d.name)
	defer func() { c.path = c.path[:len(c.path)-1] }()

	if depth >= c.maxDepth {
		return 0, newTooDeepError(c.path, c.maxDepth)
	}

	deps := make([]Descriptor, 0, len(d.deps))
	for _, id := range d.deps {
		// Unknown identities are left for the sweep to report as unresolved.
		if dep, ok := c.lookup(id); ok {
			deps = append(deps, dep)
			c.out = append(c.out, dep)
		}
	}

	height := 0
	for _, dep := range deps {
		h, seen := c.heights[dep.id]
		if seen {
			if depth+1+h >= c.maxDepth {
				return 0, newTooDeepError(append(c.path, dep.name), c.maxDepth)
			}
		} else {
			var err error
			h, err = c.visit(dep, depth+1)
			if err != nil {
				return 0, err
			}
			c.heights[dep.id] = h
		}
		if h+1 > height {
			height = h + 1
		}
	}
	return height, nil
}
