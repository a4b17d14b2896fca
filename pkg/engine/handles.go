package engine

// slot holds one constructed instance. holder is the display name of the
// component currently holding the instance, empty when it is checked in.
type slot struct {
	name   string
	value  any
	holder string
}

// resolvedSet maps identities to constructed instances. Instances are checked
// out to one constructor at a time.
type resolvedSet struct {
	slots map[Identity]*slot
	order []Identity
}

func newResolvedSet() *resolvedSet {
	return &resolvedSet{slots: make(map[Identity]*slot)}
}

func (s *resolvedSet) has(id Identity) bool {
	_, ok := s.slots[id]
	return ok
}

func (s *resolvedSet) insert(d Descriptor, value any) {
	s.slots[d.id] = &slot{name: d.name, value: value}
	s.order = append(s.order, d.id)
}

// satisfied reports whether every direct dependency of d is constructed.
func (s *resolvedSet) satisfied(d Descriptor) bool {
	for _, id := range d.deps {
		if !s.has(id) {
			return false
		}
	}
	return true
}

// checkout lends d's dependencies to d's constructor. A dependency that is
// already lent out is a conflict; anything checked out before the conflict
// is returned first.
func (s *resolvedSet) checkout(d Descriptor) (*Handles, error) {
	h := &Handles{
		owner: d.name,
		ids:   make([]Identity, 0, len(d.deps)),
		vals:  make([]any, 0, len(d.deps)),
		open:  true,
	}
	for _, id := range d.deps {
		sl := s.slots[id]
		if sl.holder != "" {
			s.checkin(h)
			return nil, newBorrowConflictError(d.name, sl.name, sl.holder)
		}
		sl.holder = d.name
		h.ids = append(h.ids, id)
		h.vals = append(h.vals, sl.value)
	}
	return h, nil
}

// checkin returns every instance held by h and closes it.
func (s *resolvedSet) checkin(h *Handles) {
	for _, id := range h.ids {
		if sl, ok := s.slots[id]; ok {
			sl.holder = ""
		}
	}
	h.open = false
	h.vals = nil
}

// Handles gives a constructor temporary access to the instances of its
// direct dependencies. Access ends when the constructor returns; a Handles
// kept past that point yields nothing.
type Handles struct {
	owner string
	ids   []Identity
	vals  []any
	open  bool
}

// Get returns the instance for id if id is a declared dependency and the
// handles are still open.
func (h *Handles) Get(id Identity) (any, bool) {
	if h == nil || !h.open {
		return nil, false
	}
	for i, dep := range h.ids {
		if dep == id {
			return h.vals[i], true
		}
	}
	return nil, false
}

// Identities returns the dependency identities this handle set covers.
func (h *Handles) Identities() []Identity {
	if h == nil {
		return nil
	}
	return append([]Identity(nil), h.ids...)
}

// Owner returns the display name of the component being constructed.
func (h *Handles) Owner() string {
	if h == nil {
		return ""
	}
	return h.owner
}

// Use returns a mutable handle to the dependency of type T. It works for
// instances built by Describe[T] and for constructors that return a *T
// directly.
func Use[T any](h *Handles) (*T, bool) {
	v, ok := h.Get(IdentityOf[T]())
	if !ok {
		return nil, false
	}
	p, ok := v.(*T)
	return p, ok
}
