package engine

import "sort"

// Entry is one instance drained from a Result.
type Entry struct {
	ID       Identity
	Name     string
	Instance any
}

// Result holds the instances built by Tree.Resolve. Every instance can be
// taken exactly once.
type Result struct {
	slots map[Identity]*slot
	order []Identity
}

func newResult(set *resolvedSet) *Result {
	return &Result{
		slots: set.slots,
		order: append([]Identity(nil), set.order...),
	}
}

// TakeByIdentity removes and returns the instance for id. Instances built by
// Describe[T] come back as *T. A missing or already taken identity yields
// false.
func (r *Result) TakeByIdentity(id Identity) (any, bool) {
	sl, ok := r.slots[id]
	if !ok {
		return nil, false
	}
	delete(r.slots, id)
	return sl.value, true
}

// TakeAll drains every remaining instance. Entries are sorted by identity.
func (r *Result) TakeAll() []Entry {
	entries := make([]Entry, 0, len(r.slots))
	for id, sl := range r.slots {
		entries = append(entries, Entry{ID: id, Name: sl.name, Instance: sl.value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	r.slots = make(map[Identity]*slot)
	return entries
}

// Len returns the number of instances not yet taken.
func (r *Result) Len() int {
	return len(r.slots)
}

// Has reports whether an instance for id is still present.
func (r *Result) Has(id Identity) bool {
	_, ok := r.slots[id]
	return ok
}

// Order returns every identity in the order it was constructed, including
// identities already taken.
func (r *Result) Order() []Identity {
	return append([]Identity(nil), r.order...)
}

// Take removes and returns the instance of type T. The instance may be
// stored as a T or a non-nil *T. When T is an interface type, any stored
// value implementing T is returned unchanged; a nil instance is never taken.
//
//	tree.Register(engine.Describe(newServer, engine.IdentityOf[Database]()))
//	res, err := tree.Resolve(ctx)
//	srv, ok := engine.Take[Server](res)
func Take[T any](r *Result) (T, bool) {
	var zero T
	id := IdentityOf[T]()
	sl, ok := r.slots[id]
	if !ok {
		return zero, false
	}

	var out T
	switch val := sl.value.(type) {
	case *T:
		if val == nil {
			return zero, false
		}
		out = *val
	case T:
		out = val
	default:
		// Leave a mismatched instance in place for TakeByIdentity.
		return zero, false
	}
	delete(r.slots, id)
	return out, true
}
