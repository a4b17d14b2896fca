package engine

import (
	"encoding/json"
	"fmt"
)

// CacheVersion identifies the layout of a serialized Cache.
type CacheVersion int

// CurrentCacheVersion is the only layout this package writes and replays.
const CurrentCacheVersion CacheVersion = 1

// Cache records which pending slot resolved at each step of a successful
// run. Replaying it lets an identical graph skip the fixed-point scan.
//
// A cache read from a newer writer decodes without error but is not usable;
// trees treat it as absent.
type Cache struct {
	version CacheVersion
	steps   []int
	raw     json.RawMessage
}

// NewCache creates a current-version cache from recorded steps.
func NewCache(steps []int) *Cache {
	return &Cache{
		version: CurrentCacheVersion,
		steps:   append([]int(nil), steps...),
	}
}

// Version returns the layout version.
func (c *Cache) Version() CacheVersion { return c.version }

// Usable reports whether this build of the engine can replay the cache.
func (c *Cache) Usable() bool {
	return c != nil && c.version == CurrentCacheVersion
}

// Steps returns a copy of the recorded slot indices. It is nil for unusable caches.
func (c *Cache) Steps() []int {
	if !c.Usable() {
		return nil
	}
	return append([]int(nil), c.steps...)
}

// Len returns the number of recorded steps.
func (c *Cache) Len() int {
	if !c.Usable() {
		return 0
	}
	return len(c.steps)
}

type cacheV1 struct {
	Version CacheVersion `json:"version"`
	Steps   []int        `json:"steps"`
}

type cacheHeader struct {
	Version CacheVersion `json:"version"`
}

// MarshalJSON encodes the cache as {"version":1,"steps":[...]}. Caches of an
// unknown version are written back unchanged.
func (c *Cache) MarshalJSON() ([]byte, error) {
	if c.version != CurrentCacheVersion {
		if len(c.raw) > 0 {
			return c.raw, nil
		}
		return json.Marshal(cacheHeader{Version: c.version})
	}
	steps := c.steps
	if steps == nil {
		steps = []int{}
	}
	return json.Marshal(cacheV1{Version: c.version, Steps: steps})
}

// UnmarshalJSON decodes a cache. Unknown versions are kept opaque.
func (c *Cache) UnmarshalJSON(data []byte) error {
	var hdr cacheHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return fmt.Errorf("failed to decode cache header: %w", err)
	}
	if hdr.Version != CurrentCacheVersion {
		*c = Cache{version: hdr.Version, raw: append(json.RawMessage(nil), data...)}
		return nil
	}

	var v1 cacheV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return fmt.Errorf("failed to decode cache: %w", err)
	}
	for i, step := range v1.Steps {
		if step < 0 {
			return fmt.Errorf("cache step %d is negative: %d", i, step)
		}
	}
	*c = Cache{version: v1.Version, steps: v1.Steps}
	return nil
}

// DecodeCache parses a serialized cache.
func DecodeCache(data []byte) (*Cache, error) {
	c := &Cache{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeCache serializes a cache.
func EncodeCache(c *Cache) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cache is nil")
	}
	return json.Marshal(c)
}
