package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tree collects descriptors and resolves them into constructed instances.
// A Tree resolves once and is not safe for concurrent use.
type Tree struct {
	catalog *Catalog
	cfg     treeConfig

	manual  map[Identity]Descriptor
	entries []pendingEntry
	err     error

	resolved     bool
	cache        *Cache
	cacheCorrect bool
	cacheOutcome CacheOutcome
}

// NewTree creates an empty tree. catalog may be nil when every descriptor is
// registered by hand.
func NewTree(catalog *Catalog, opts ...Option) *Tree {
	cfg := defaultTreeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Tree{
		catalog: catalog,
		cfg:     cfg,
		manual:  make(map[Identity]Descriptor),
	}
}

// Register enqueues d and every descriptor it transitively depends on. A
// descriptor registered here wins over one found in the catalog for the same
// identity.
//
// A dependency chain that reaches the depth ceiling fails registration, and
// the error is kept so Resolve fails with it too.
func (t *Tree) Register(d Descriptor) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := validateDescriptor(d); err != nil {
		return err
	}
	if _, ok := t.manual[d.id]; !ok {
		t.manual[d.id] = d
	}
	return t.enqueue(d, true)
}

// RegisterID enqueues the catalog descriptor for id and its dependencies.
func (t *Tree) RegisterID(id Identity) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	d, ok := t.lookup(id)
	if !ok {
		return NewPermanentError(fmt.Sprintf("no descriptor for %s", id), nil).
			WithCode(ErrCodeNotFound).
			WithResource(string(id))
	}
	return t.enqueue(d, false)
}

// Register enqueues the catalog descriptor for T and its dependencies.
func Register[T any](t *Tree) error {
	return t.RegisterID(IdentityOf[T]())
}

func (t *Tree) checkOpen() error {
	if t.resolved {
		return NewPermanentError("tree already resolved", nil).WithCode(ErrCodeAlreadyResolved)
	}
	return nil
}

func (t *Tree) lookup(id Identity) (Descriptor, bool) {
	if d, ok := t.manual[id]; ok {
		return d, true
	}
	return t.catalog.Lookup(id)
}

func (t *Tree) enqueue(d Descriptor, manual bool) error {
	t.entries = append(t.entries, pendingEntry{desc: d, manual: manual})

	deps, err := collectDependencies(d, t.cfg.maxDepth, t.lookup)
	if err != nil {
		if t.err == nil {
			t.err = err
		}
		t.cfg.logger.Error().Err(err).Str("root", d.name).Msg("Dependency collection failed")
		return err
	}
	for _, dep := range deps {
		t.entries = append(t.entries, pendingEntry{desc: dep})
	}
	t.cfg.logger.Debug().
		Str("root", d.name).
		Int("collected", len(deps)).
		Msg("Registered component")
	return nil
}

// Err returns the first registration failure, if any.
func (t *Tree) Err() error {
	return t.err
}

// Descriptors returns the deduplicated pending set in the order resolution
// starts from.
func (t *Tree) Descriptors() []Descriptor {
	return dedupDescriptors(t.entries)
}

// Fingerprint returns a digest of the deduplicated identities and their
// dependencies. Equal fingerprints mean a cache from one tree replays on the
// other.
func (t *Tree) Fingerprint() string {
	h := sha256.New()
	for _, d := range t.Descriptors() {
		h.Write([]byte(d.id))
		for _, dep := range d.deps {
			h.Write([]byte{0})
			h.Write([]byte(dep))
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EnableCaching turns resolution-order caching on or off.
func (t *Tree) EnableCaching(enabled bool) {
	t.cfg.caching = enabled
}

// LoadCache sets the cache replayed by Resolve and returns the one it
// replaces. A cache that is not Usable is treated as absent.
func (t *Tree) LoadCache(c *Cache) *Cache {
	prev := t.cache
	t.cache = c
	return prev
}

// TakeCache removes and returns the current cache. After a successful
// Resolve with caching enabled this is the rebuilt cache.
func (t *Tree) TakeCache() *Cache {
	c := t.cache
	t.cache = nil
	return c
}

// CacheWasCorrect reports whether the last Resolve replayed a loaded cache
// from start to finish and was left with nothing to sweep.
func (t *Tree) CacheWasCorrect() bool {
	return t.cacheCorrect
}

// CacheOutcome reports what the last Resolve did with the loaded cache.
// Before Resolve it is empty.
func (t *Tree) CacheOutcome() CacheOutcome {
	return t.cacheOutcome
}

// Resolve constructs every registered descriptor. It either builds the whole
// tree or returns an error naming what could not be built; there are no
// partial results. ctx is used for tracing only.
func (t *Tree) Resolve(ctx context.Context) (*Result, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.resolved = true
	t.cacheCorrect = false
	start := time.Now()

	ctx, span := t.cfg.tracer.Start(ctx, "inittree.resolve",
		trace.WithAttributes(attribute.Int("inittree.registered", len(t.entries))))
	defer span.End()

	res, err := t.resolve(ctx, span)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.cfg.recorder.RecordResolution(ResolutionStatusFailed, duration)
		t.publish(ctx, EventTypeResolutionFailed, "", err.Error(), map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		})
		t.cfg.logger.Error().Err(err).Dur("duration", duration).Msg("Resolution failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("inittree.constructed", res.Len()))
	span.SetStatus(codes.Ok, "")
	t.cfg.recorder.RecordResolution(ResolutionStatusSucceeded, duration)
	t.publish(ctx, EventTypeResolutionCompleted, "", "resolution completed", map[string]interface{}{
		"constructed": res.Len(),
		"duration_ms": duration.Milliseconds(),
	})
	t.cfg.logger.Info().
		Int("constructed", res.Len()).
		Dur("duration", duration).
		Bool("cache_correct", t.cacheCorrect).
		Msg("Resolution completed")
	return res, nil
}

func (t *Tree) resolve(ctx context.Context, span trace.Span) (*Result, error) {
	if t.err != nil {
		return nil, t.err
	}

	r := &resolution{
		tree:    t,
		ctx:     ctx,
		span:    span,
		pending: t.Descriptors(),
		set:     newResolvedSet(),
	}

	outcome := CacheOutcomeDisabled
	if t.cfg.caching {
		outcome = CacheOutcomeAbsent
		if t.cache.Usable() {
			complete, err := r.replay(t.cache.steps)
			if err != nil {
				return nil, err
			}
			if complete && len(r.pending) == 0 {
				outcome = CacheOutcomeHit
				t.publish(ctx, EventTypeCacheReplayed, "", "cache replayed", map[string]interface{}{
					"steps": t.cache.Len(),
				})
			} else {
				outcome = CacheOutcomeInvalidated
				t.publish(ctx, EventTypeCacheInvalidated, "", "cache replay diverged", map[string]interface{}{
					"replayed": len(r.steps),
					"steps":    t.cache.Len(),
				})
				t.cfg.logger.Warn().
					Int("replayed", len(r.steps)).
					Int("steps", t.cache.Len()).
					Msg("Cache replay diverged, falling back to full sweep")
			}
		}
	}
	t.cacheOutcome = outcome
	t.cfg.recorder.RecordCacheOutcome(outcome)
	span.SetAttributes(attribute.String("inittree.cache", string(outcome)))

	// Constructions made during replay count toward the first pass so a
	// decline seen only after them is retried.
	if err := r.sweep(len(r.steps)); err != nil {
		return nil, err
	}

	if len(r.pending) > 0 {
		stuck := make([]string, len(r.pending))
		for i, d := range r.pending {
			stuck[i] = d.name
		}
		sort.Strings(stuck)
		return nil, newUnresolvedError(stuck)
	}

	if t.cfg.caching {
		t.cache = NewCache(r.steps)
		t.cacheCorrect = outcome == CacheOutcomeHit
	}
	return newResult(r.set), nil
}

func (t *Tree) publish(ctx context.Context, typ EventType, component Identity, msg string, details map[string]interface{}) {
	if t.cfg.publisher == nil {
		return
	}
	event := &Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     t.cfg.runID,
		Component: component,
		Message:   msg,
		Details:   details,
		Level:     typ.Severity(),
	}
	if err := t.cfg.publisher.Publish(ctx, event); err != nil {
		t.cfg.logger.Warn().Err(err).Str("event_type", string(typ)).Msg("Failed to publish event")
	}
}

// resolution is the state of one Resolve call.
type resolution struct {
	tree    *Tree
	ctx     context.Context
	span    trace.Span
	pending []Descriptor
	set     *resolvedSet
	steps   []int
}

// replay attempts the recorded slots in order. It stops at the first slot
// that is out of range or does not construct, and reports whether every
// step succeeded.
func (r *resolution) replay(steps []int) (bool, error) {
	for _, i := range steps {
		if i >= len(r.pending) {
			return false, nil
		}
		built, err := r.tryAt(i)
		if err != nil {
			return false, err
		}
		if !built {
			return false, nil
		}
	}
	return true, nil
}

// sweep scans the pending set until a full pass constructs nothing. carried
// is the number of constructions already made ahead of the first pass.
func (r *resolution) sweep(carried int) error {
	for {
		progress := 0
		i := 0
		for i < len(r.pending) {
			built, err := r.tryAt(i)
			if err != nil {
				return err
			}
			if built {
				// Slot i now holds what was the last element.
				progress++
				continue
			}
			i++
		}
		r.tree.cfg.recorder.RecordSweep(progress)
		if progress+carried == 0 {
			return nil
		}
		carried = 0
	}
}

// tryAt constructs pending[i] if its dependencies are built. On success the
// instance is stored, the slot index is recorded and the slot is removed by
// swapping in the last element.
func (r *resolution) tryAt(i int) (bool, error) {
	d := r.pending[i]
	if !r.set.satisfied(d) {
		return false, nil
	}

	start := time.Now()
	value, ok, err := r.construct(d)
	if err != nil {
		return false, err
	}
	t := r.tree
	if !ok {
		t.cfg.recorder.RecordDeclined(d.name)
		t.publish(r.ctx, EventTypeComponentDeclined, d.id, fmt.Sprintf("%s declined to construct", d.name), nil)
		t.cfg.logger.Debug().Str("component", d.name).Msg("Constructor not ready")
		return false, nil
	}
	duration := time.Since(start)

	r.set.insert(d, value)
	r.steps = append(r.steps, i)
	last := len(r.pending) - 1
	r.pending[i] = r.pending[last]
	r.pending[last] = Descriptor{}
	r.pending = r.pending[:last]

	t.cfg.recorder.RecordConstruction(d.name, duration)
	r.span.AddEvent("constructed", trace.WithAttributes(
		attribute.String("inittree.component", d.name),
		attribute.Int("inittree.slot", i),
	))
	t.publish(r.ctx, EventTypeComponentConstructed, d.id, fmt.Sprintf("%s constructed", d.name), map[string]interface{}{
		"slot":        i,
		"duration_us": duration.Microseconds(),
	})
	t.cfg.logger.Debug().
		Str("component", d.name).
		Int("slot", i).
		Dur("duration", duration).
		Msg("Constructed component")
	return true, nil
}

// construct lends d its dependencies for the duration of the constructor call.
func (r *resolution) construct(d Descriptor) (any, bool, error) {
	h, err := r.set.checkout(d)
	if err != nil {
		return nil, false, err
	}
	defer r.set.checkin(h)

	value, ok := d.construct(h)
	return value, ok, nil
}
