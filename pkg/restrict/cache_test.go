package restrict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"palisade/pkg/catalog"
	"palisade/pkg/entitlement"
	"palisade/pkg/models"
	"palisade/pkg/store"
)

func newCache(t *testing.T) (*ResultCache, *countingClassifier) {
	t.Helper()
	_, engine := fieldEngine()
	cc := &countingClassifier{inner: engine.Classifier}
	engine.Classifier = cc
	rc := NewResultCache(store.NewMemoryCache(), engine)
	rc.WaitInterval = time.Millisecond
	return rc, cc
}

func TestGetCachesByViewerKey(t *testing.T) {
	rc, cc := newCache(t)
	ctx := context.Background()
	vimergy := models.NewViewer("12", []string{"access-vimergy-user"})

	first, err := rc.Get(ctx, NewRequestScope(), vimergy)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := rc.Get(ctx, NewRequestScope(), vimergy)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached read differs: %v vs %v", first, second)
	}
	if cc.gatedCalls != 1 {
		t.Fatalf("expected one enumeration across two reads, got %d", cc.gatedCalls)
	}

	// A different viewer key must not see vimergy's entry.
	guestSet, err := rc.Get(ctx, NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("get guest: %v", err)
	}
	if len(guestSet) == len(first) {
		t.Fatalf("guest set %v must differ from vimergy set %v", guestSet, first)
	}
	if cc.gatedCalls != 2 {
		t.Fatalf("guest read must build its own entry, got %d enumerations", cc.gatedCalls)
	}
}

func TestGetAdminUncached(t *testing.T) {
	rc, cc := newCache(t)
	admin := models.NewViewer("1", []string{"administrator"})

	set, err := rc.Get(context.Background(), NewRequestScope(), admin)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("admin set = %v", set)
	}
	if cc.gatedCalls != 0 {
		t.Fatal("admin read must not enumerate")
	}
	if _, err := rc.Cache.Get(context.Background(), cacheKey(admin.Key)); !errors.Is(err, store.ErrMiss) {
		t.Fatal("admin result must not occupy a cache slot")
	}
}

func TestGetConcurrentReadersBuildOnce(t *testing.T) {
	rc, cc := newCache(t)
	// Enough wait budget that every loser of the build lock observes
	// the built value instead of timing out into the fallback.
	rc.WaitRetries = 1000
	guest := models.Guest()

	const readers = 32
	sets := make([]map[models.ProductID]struct{}, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sets[i], errs[i] = rc.Get(context.Background(), NewRequestScope(), guest)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if len(sets[i]) != 3 {
			t.Fatalf("reader %d set = %v, want the 3 gated products", i, sets[i])
		}
	}
	cc.mu.Lock()
	gated := cc.gatedCalls
	cc.mu.Unlock()
	if gated != 1 {
		t.Fatalf("enumeration ran %d times across %d concurrent readers, want 1", gated, readers)
	}
}

func TestGetWaitsForConcurrentBuilder(t *testing.T) {
	rc, _ := newCache(t)
	ctx := context.Background()
	key := cacheKey(models.GuestKey)

	// Simulate another request holding the build lock, publishing the
	// value before the waiter gives up.
	if ok, err := rc.Cache.SetNX(ctx, key+lockKeySuffix, "1", time.Second); err != nil || !ok {
		t.Fatalf("lock: %v", err)
	}
	go func() {
		time.Sleep(2 * time.Millisecond)
		_ = rc.Cache.Set(ctx, key, encodeIDs(idSet([]models.ProductID{1, 2, 4})), time.Minute)
	}()

	rc.WaitRetries = 50
	set, err := rc.Get(ctx, NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("waiter must read the builder's value, got %v", set)
	}
}

func TestGetWaitTimeoutFailsSecure(t *testing.T) {
	rc, _ := newCache(t)
	ctx := context.Background()
	key := cacheKey(models.GuestKey)

	// Lock held, value never published.
	if ok, err := rc.Cache.SetNX(ctx, key+lockKeySuffix, "1", time.Minute); err != nil || !ok {
		t.Fatalf("lock: %v", err)
	}
	set, err := rc.Get(ctx, NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Full gated set, never an empty permissive one.
	if len(set) != 3 {
		t.Fatalf("timed-out waiter must fall back to full gated set, got %v", set)
	}
}

func TestBuildSanityCheckForcesFullBlock(t *testing.T) {
	// Every gated product classifies to the empty key set, so the naive
	// result for an unentitled viewer would be empty despite gated
	// products existing. The cache must refuse to serve that.
	_, engine := fieldEngine()
	engine.Classifier = hollowClassifier{gated: []models.ProductID{1, 2, 4}}
	rc := NewResultCache(store.NewMemoryCache(), engine)

	set, err := rc.Get(context.Background(), NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("sanity check must force the full gated set, got %v", set)
	}
}

func TestGetEnumerationOutage(t *testing.T) {
	rc := NewResultCache(store.NewMemoryCache(), &Engine{Classifier: erroringClassifier{}})
	if _, err := rc.Get(context.Background(), NewRequestScope(), models.Guest()); err == nil {
		t.Fatal("total enumeration failure must surface as an error")
	}
	// The lock must have been released for the next reader.
	ok, err := rc.Cache.SetNX(context.Background(), cacheKey(models.GuestKey)+lockKeySuffix, "1", time.Second)
	if err != nil || !ok {
		t.Fatalf("lock not released after failed build: ok=%v err=%v", ok, err)
	}
}

func TestInvalidateTriggersRebuild(t *testing.T) {
	rc, cc := newCache(t)
	ctx := context.Background()
	viewer := models.NewViewer("12", []string{"access-vimergy-user"})

	if _, err := rc.Get(ctx, NewRequestScope(), viewer); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := rc.Invalidate(ctx, viewer.Key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := rc.Get(ctx, NewRequestScope(), viewer); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if cc.gatedCalls != 2 {
		t.Fatalf("expected rebuild after invalidate, got %d enumerations", cc.gatedCalls)
	}
}

func TestCorruptEntryRebuilds(t *testing.T) {
	rc, _ := newCache(t)
	ctx := context.Background()
	key := cacheKey(models.GuestKey)

	if err := rc.Cache.Set(ctx, key, "not-json", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	set, err := rc.Get(ctx, NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(set) != 3 {
		t.Fatalf("rebuild after corrupt entry, got %v", set)
	}
}

func TestResultCacheOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, engine := fieldEngine()
	rc := NewResultCache(&store.RedisCache{Client: client}, engine)
	ctx := context.Background()
	viewer := models.NewViewer("12", []string{"access-vimergy-user"})

	set, err := rc.Get(ctx, NewRequestScope(), viewer)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := set[2]; !ok {
		t.Fatalf("restricted set over redis = %v", set)
	}

	// Data outlives the lock; the entry must be present, the lock gone.
	if !mr.Exists(cacheKey(viewer.Key)) {
		t.Fatal("data key missing after build")
	}
	if mr.Exists(cacheKey(viewer.Key) + lockKeySuffix) {
		t.Fatal("build lock must be released")
	}

	// TTL expiry forces a rebuild.
	mr.FastForward(DefaultDataTTL + time.Second)
	if mr.Exists(cacheKey(viewer.Key)) {
		t.Fatal("entry must expire with the data TTL")
	}
	if _, err := rc.Get(ctx, NewRequestScope(), viewer); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
}

type hollowClassifier struct {
	gated []models.ProductID
}

func (h hollowClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	return entitlement.Set{}, nil
}

func (h hollowClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	return h.gated, nil
}

func (h hollowClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	return nil, nil
}

var _ catalog.Classifier = hollowClassifier{}
