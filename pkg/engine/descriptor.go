package engine

import (
	"reflect"
	"sort"
)

// Identity names one component type. Identities are compared as strings, so
// ordering is total and stable for the life of the process.
type Identity string

// IdentityOf returns the identity of T. Named types use their package path
// and name; other types fall back to the reflect type string.
func IdentityOf[T any]() Identity {
	return identityOfType(reflect.TypeFor[T]())
}

func identityOfType(t reflect.Type) Identity {
	if t.Name() != "" && t.PkgPath() != "" {
		return Identity(t.PkgPath() + "." + t.Name())
	}
	if t.Kind() == reflect.Pointer {
		return "*" + identityOfType(t.Elem())
	}
	return Identity(t.String())
}

// Constructor builds one instance. It receives handles to the instances of
// the descriptor's direct dependencies. Returning false means "not ready yet"
// and leaves the descriptor pending for a later sweep.
type Constructor func(h *Handles) (any, bool)

// Descriptor describes one constructible component. It is immutable once
// created; use NewDescriptor, Describe or DescribeZero to build one.
type Descriptor struct {
	id        Identity
	name      string
	deps      []Identity
	construct Constructor
}

// NewDescriptor creates a descriptor from its parts. name is only used in
// diagnostics and defaults to the identity when empty.
func NewDescriptor(id Identity, name string, deps []Identity, construct Constructor) Descriptor {
	if name == "" {
		name = string(id)
	}
	return Descriptor{
		id:        id,
		name:      name,
		deps:      append([]Identity(nil), deps...),
		construct: construct,
	}
}

// ID returns the component identity.
func (d Descriptor) ID() Identity { return d.id }

// Name returns the display name.
func (d Descriptor) Name() string { return d.name }

// Dependencies returns a copy of the direct dependency identities, in
// declaration order.
func (d Descriptor) Dependencies() []Identity {
	return append([]Identity(nil), d.deps...)
}

// IsZero reports whether d is the zero Descriptor.
func (d Descriptor) IsZero() bool {
	return d.id == "" && d.construct == nil
}

// Describe builds a descriptor for T. The instance is stored boxed as *T so
// dependents can mutate it through Use.
//
//	engine.Describe(func(h *engine.Handles) (Server, bool) {
//		db, ok := engine.Use[Database](h)
//		if !ok {
//			return Server{}, false
//		}
//		return Server{pool: db.Pool()}, true
//	}, engine.IdentityOf[Database]())
func Describe[T any](construct func(h *Handles) (T, bool), deps ...Identity) Descriptor {
	t := reflect.TypeFor[T]()
	return NewDescriptor(identityOfType(t), t.String(), deps, func(h *Handles) (any, bool) {
		v, ok := construct(h)
		if !ok {
			return nil, false
		}
		return &v, true
	})
}

// DescribeZero builds a dependency-free descriptor producing the zero value of T.
func DescribeZero[T any]() Descriptor {
	return Describe(func(*Handles) (T, bool) {
		var zero T
		return zero, true
	})
}

// dedupDescriptors sorts descriptors by identity and drops duplicates. Among
// equal identities manual registrations sort first, otherwise the original
// order is kept, and the first occurrence wins.
func dedupDescriptors(entries []pendingEntry) []Descriptor {
	sorted := append([]pendingEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].desc.id != sorted[j].desc.id {
			return sorted[i].desc.id < sorted[j].desc.id
		}
		return sorted[i].manual && !sorted[j].manual
	})

	out := make([]Descriptor, 0, len(sorted))
	for _, e := range sorted {
		if len(out) > 0 && out[len(out)-1].id == e.desc.id {
			continue
		}
		out = append(out, e.desc)
	}
	return out
}

// pendingEntry is one seed-list entry awaiting deduplication.
type pendingEntry struct {
	desc   Descriptor
	manual bool
}
