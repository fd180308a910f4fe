package restrict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"palisade/pkg/metrics"
	"palisade/pkg/models"
	"palisade/pkg/store"
)

const (
	cacheKeyPrefix = "restricted:"
	lockKeySuffix  = ":building"

	// DefaultDataTTL bounds staleness of a viewer's restricted set.
	DefaultDataTTL = 30 * time.Minute
	// DefaultLockTTL bounds how long a crashed builder can wedge the
	// key in BUILDING. Strictly shorter than the data TTL.
	DefaultLockTTL = 5 * time.Second

	defaultWaitInterval = 100 * time.Millisecond
	defaultWaitRetries  = 3
)

// ResultCache serves restricted sets per viewer key with single-flight
// recomputation. A short-lived build lock (atomic SetNX) prevents
// concurrent rebuilds; readers that outwait the lock fall back to the
// full gated set, never to a permissive empty value.
type ResultCache struct {
	Cache  store.Cache
	Engine *Engine
	Stats  *metrics.Registry

	DataTTL      time.Duration
	LockTTL      time.Duration
	WaitInterval time.Duration
	WaitRetries  int
}

func NewResultCache(cache store.Cache, engine *Engine) *ResultCache {
	return &ResultCache{
		Cache:        cache,
		Engine:       engine,
		DataTTL:      DefaultDataTTL,
		LockTTL:      DefaultLockTTL,
		WaitInterval: defaultWaitInterval,
		WaitRetries:  defaultWaitRetries,
	}
}

func (c *ResultCache) dataTTL() time.Duration {
	if c.DataTTL > 0 {
		return c.DataTTL
	}
	return DefaultDataTTL
}

func (c *ResultCache) lockTTL() time.Duration {
	if c.LockTTL > 0 {
		return c.LockTTL
	}
	return DefaultLockTTL
}

func cacheKey(viewerKey string) string {
	if viewerKey == "" {
		viewerKey = models.GuestKey
	}
	return cacheKeyPrefix + viewerKey
}

// Get returns the viewer's restricted set, from cache when fresh. The
// only error path is total failure of the gated-product enumeration
// itself; callers must treat that error as block-everything.
func (c *ResultCache) Get(ctx context.Context, scope *RequestScope, viewer models.Viewer) (map[models.ProductID]struct{}, error) {
	// Admin sets are always empty and never worth a cache slot.
	if viewer.Admin {
		return map[models.ProductID]struct{}{}, nil
	}

	key := cacheKey(viewer.Key)
	lockKey := key + lockKeySuffix

	if set, ok := c.lookup(ctx, key); ok {
		c.Stats.Inc(metrics.CacheHit)
		return set, nil
	}
	c.Stats.Inc(metrics.CacheMiss)

	acquired, err := c.Cache.SetNX(ctx, lockKey, "1", c.lockTTL())
	if err != nil {
		log.Printf("restrict: build lock %s: %v", lockKey, err)
		return c.failSecure(ctx)
	}
	if !acquired {
		return c.awaitBuilder(ctx, key)
	}

	set := c.build(ctx, scope, viewer)
	if set == nil {
		// Even the fail-secure fallback failed; release the lock so the
		// next reader can retry, and report the outage.
		_ = c.Cache.Del(ctx, lockKey)
		return nil, fmt.Errorf("restrict: cannot resolve restricted set for %s", viewer.Key)
	}
	if err := c.Cache.Set(ctx, key, encodeIDs(set), c.dataTTL()); err != nil {
		log.Printf("restrict: store %s: %v", key, err)
	}
	_ = c.Cache.Del(ctx, lockKey)
	return set, nil
}

// build computes the restricted set, applying the fail-secure sanity
// check before the result is ever cached. Returns nil only when no
// fallback could be computed at all.
func (c *ResultCache) build(ctx context.Context, scope *RequestScope, viewer models.Viewer) map[models.ProductID]struct{} {
	set, err := c.Engine.Compute(ctx, scope, viewer)
	if err != nil {
		log.Printf("restrict: compute for %s failed, falling back to full block: %v", viewer.Key, err)
		set = nil
	}
	if set != nil && len(set) == 0 {
		ents := c.Engine.Entitlements(scope, viewer)
		if !ents.HasWildcard() && len(ents) == 0 {
			// An empty result for a viewer with no entitlements while gated
			// products exist is almost certainly a computation bug.
			gated, err := c.Engine.GatedProducts(ctx)
			if err == nil && len(gated) > 0 {
				log.Printf("restrict: empty set for unentitled viewer %s with %d gated products, forcing full block", viewer.Key, len(gated))
				c.Stats.Inc(metrics.CacheFailSecure)
				return idSet(gated)
			}
		}
	}
	if set != nil {
		return set
	}
	full, err := c.failSecure(ctx)
	if err != nil {
		return nil
	}
	return full
}

// awaitBuilder polls for the value another request is building, bounded
// in both interval and retries, then fails secure.
func (c *ResultCache) awaitBuilder(ctx context.Context, key string) (map[models.ProductID]struct{}, error) {
	c.Stats.Inc(metrics.CacheWait)
	interval := c.WaitInterval
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	retries := c.WaitRetries
	if retries <= 0 {
		retries = defaultWaitRetries
	}
	for i := 0; i < retries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if set, ok := c.lookup(ctx, key); ok {
			return set, nil
		}
	}
	return c.failSecure(ctx)
}

// failSecure is the deny-everything-gated fallback.
func (c *ResultCache) failSecure(ctx context.Context) (map[models.ProductID]struct{}, error) {
	c.Stats.Inc(metrics.CacheFailSecure)
	gated, err := c.Engine.GatedProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("restrict: fail-secure enumeration: %w", err)
	}
	return idSet(gated), nil
}

// Invalidate removes a viewer's entry immediately, on login, logout and
// role change. The next read recomputes.
func (c *ResultCache) Invalidate(ctx context.Context, viewerKey string) error {
	c.Stats.Inc(metrics.CacheInvalidate)
	return c.Cache.Del(ctx, cacheKey(viewerKey))
}

func (c *ResultCache) lookup(ctx context.Context, key string) (map[models.ProductID]struct{}, bool) {
	raw, err := c.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			log.Printf("restrict: cache read %s: %v", key, err)
		}
		return nil, false
	}
	set, err := decodeIDs(raw)
	if err != nil {
		log.Printf("restrict: corrupt cache entry %s: %v", key, err)
		return nil, false
	}
	return set, true
}

func encodeIDs(set map[models.ProductID]struct{}) string {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, int64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(raw string) (map[models.ProductID]struct{}, error) {
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	set := make(map[models.ProductID]struct{}, len(ids))
	for _, id := range ids {
		set[models.ProductID(id)] = struct{}{}
	}
	return set, nil
}

func idSet(ids []models.ProductID) map[models.ProductID]struct{} {
	set := make(map[models.ProductID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
