package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is the registry of known descriptors. The dependency collector
// looks up dependency identities here. A Catalog is safe for concurrent use
// and may be shared by many trees.
type Catalog struct {
	mu    sync.RWMutex
	descs map[Identity]Descriptor
}

// NewCatalog creates a catalog holding the given descriptors.
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{descs: make(map[Identity]Descriptor)}
	for _, d := range descs {
		if err := c.Define(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Define adds a descriptor. Defining the same identity twice is an error.
func (c *Catalog) Define(d Descriptor) error {
	if err := validateDescriptor(d); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.descs == nil {
		c.descs = make(map[Identity]Descriptor)
	}
	if _, exists := c.descs[d.id]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate descriptor identity: %s", d.id), nil).
			WithCode(ErrCodeAlreadyExists).
			WithResource(d.name)
	}
	c.descs[d.id] = d
	return nil
}

// MustDefine is like Define but panics on error. It is meant for
// package-level catalog setup.
func (c *Catalog) MustDefine(descs ...Descriptor) *Catalog {
	for _, d := range descs {
		if err := c.Define(d); err != nil {
			panic(err)
		}
	}
	return c
}

// Lookup returns the descriptor registered for id.
func (c *Catalog) Lookup(id Identity) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.descs[id]
	return d, ok
}

// Len returns the number of defined descriptors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descs)
}

// Identities returns the defined identities in sorted order.
func (c *Catalog) Identities() []Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]Identity, 0, len(c.descs))
	for id := range c.descs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func validateDescriptor(d Descriptor) error {
	if d.id == "" {
		return NewPermanentError("descriptor has empty identity", nil).
			WithCode(ErrCodeValidation)
	}
	if d.construct == nil {
		return NewPermanentError(fmt.Sprintf("descriptor %s has no constructor", d.name), nil).
			WithCode(ErrCodeValidation).
			WithResource(d.name)
	}
	return nil
}
