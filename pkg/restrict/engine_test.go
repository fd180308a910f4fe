package restrict

import (
	"context"
	"errors"
	"sync"
	"testing"

	"palisade/pkg/catalog"
	"palisade/pkg/entitlement"
	"palisade/pkg/models"
)

func fieldEngine() (*catalog.MemoryStore, *Engine) {
	store := catalog.NewMemoryStore()
	store.AddProduct(1, []string{"Vimergy_catalog"}, nil)
	store.AddProduct(2, []string{"Gaia_catalog"}, nil)
	store.AddProduct(3, []string{"HP_catalog"}, nil)
	store.AddProduct(4, []string{"Vimergy_catalog", "Gaia_catalog"}, nil)
	classifier := &catalog.FieldClassifier{Store: store, Public: []string{"HP_catalog", "DCG_catalog"}}
	return store, &Engine{Classifier: classifier}
}

func TestComputeGuestBlocksAllGated(t *testing.T) {
	_, engine := fieldEngine()
	set, err := engine.Compute(context.Background(), NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := []models.ProductID{1, 2, 4}
	if len(set) != len(want) {
		t.Fatalf("guest restricted set = %v", set)
	}
	for _, id := range want {
		if _, ok := set[id]; !ok {
			t.Fatalf("product %d missing from guest restricted set", id)
		}
	}
	if _, ok := set[3]; ok {
		t.Fatal("public product 3 must not be restricted")
	}
}

func TestComputeAdminEmptyWithoutEnumeration(t *testing.T) {
	engine := &Engine{Classifier: &countingClassifier{inner: nil}}
	admin := models.NewViewer("1", []string{"administrator"})
	set, err := engine.Compute(context.Background(), NewRequestScope(), admin)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("admin restricted set must be empty, got %v", set)
	}
	cc := engine.Classifier.(*countingClassifier)
	if cc.gatedCalls != 0 {
		t.Fatal("admin path must not enumerate gated products")
	}
}

func TestComputeEntitledViewer(t *testing.T) {
	_, engine := fieldEngine()
	viewer := models.NewViewer("12", []string{"access-vimergy-user"})
	set, err := engine.Compute(context.Background(), NewRequestScope(), viewer)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, ok := set[1]; ok {
		t.Fatal("entitled product 1 must not be restricted")
	}
	if _, ok := set[2]; !ok {
		t.Fatal("product 2 must stay restricted")
	}
	// Multi-catalog product: one matching key is enough.
	if _, ok := set[4]; ok {
		t.Fatal("product 4 gated by {vimergy,gaia} must be visible to vimergy holder")
	}
}

func TestComputeZeroGatedProducts(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.AddProduct(1, []string{"HP_catalog"}, nil)
	engine := &Engine{Classifier: &catalog.FieldClassifier{Store: store, Public: []string{"HP_catalog"}}}
	set, err := engine.Compute(context.Background(), NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %v", set)
	}
}

func TestCanView(t *testing.T) {
	_, engine := fieldEngine()
	ctx := context.Background()
	scope := NewRequestScope()

	if engine.CanView(ctx, scope, models.Guest(), 1) {
		t.Fatal("guest must not view gated product")
	}
	if !engine.CanView(ctx, scope, models.Guest(), 3) {
		t.Fatal("guest must view public product")
	}
	viewer := models.NewViewer("12", []string{"access-vimergy-user"})
	if !engine.CanView(ctx, scope, viewer, 1) {
		t.Fatal("entitled viewer must view product 1")
	}
	if engine.CanView(ctx, scope, viewer, 2) {
		t.Fatal("viewer without gaia must not view product 2")
	}
	admin := models.NewViewer("1", []string{"administrator"})
	if !engine.CanView(ctx, scope, admin, 2) {
		t.Fatal("admin must view everything")
	}
}

func TestCanViewClassifyErrorDenies(t *testing.T) {
	engine := &Engine{Classifier: erroringClassifier{}}
	if engine.CanView(context.Background(), NewRequestScope(), models.Guest(), 1) {
		t.Fatal("classify error must deny view")
	}
}

func TestRestrictedBrands(t *testing.T) {
	_, engine := fieldEngine()
	ctx := context.Background()

	brands, err := engine.RestrictedBrands(ctx, NewRequestScope(), models.Guest())
	if err != nil {
		t.Fatalf("brands: %v", err)
	}
	if len(brands) != 2 || brands[0] != "Gaia" || brands[1] != "Vimergy" {
		t.Fatalf("guest brands = %v", brands)
	}

	viewer := models.NewViewer("12", []string{"access-vimergy-user"})
	brands, err = engine.RestrictedBrands(ctx, NewRequestScope(), viewer)
	if err != nil {
		t.Fatalf("brands: %v", err)
	}
	if len(brands) != 1 || brands[0] != "Gaia" {
		t.Fatalf("entitled viewer brands = %v", brands)
	}

	admin := models.NewViewer("1", []string{"administrator"})
	brands, err = engine.RestrictedBrands(ctx, NewRequestScope(), admin)
	if err != nil || len(brands) != 0 {
		t.Fatalf("admin brands = %v, %v", brands, err)
	}
}

func TestScopeMemoizesClassification(t *testing.T) {
	_, engine := fieldEngine()
	cc := &countingClassifier{inner: engine.Classifier}
	engine.Classifier = cc
	scope := NewRequestScope()
	ctx := context.Background()
	viewer := models.NewViewer("12", []string{"access-vimergy-user"})

	for i := 0; i < 5; i++ {
		engine.CanView(ctx, scope, viewer, 1)
	}
	if cc.classifyCalls != 1 {
		t.Fatalf("expected 1 classify call through scope, got %d", cc.classifyCalls)
	}

	scope.Reset()
	engine.CanView(ctx, scope, viewer, 1)
	if cc.classifyCalls != 2 {
		t.Fatalf("expected recompute after reset, got %d calls", cc.classifyCalls)
	}
}

func TestInternalLookupTagging(t *testing.T) {
	store := catalog.NewMemoryStore()
	store.AddProduct(1, []string{"Vimergy_catalog"}, nil)
	tc := &taggingClassifier{inner: &catalog.FieldClassifier{Store: store, Public: nil}}
	engine := &Engine{Classifier: tc}

	if _, err := engine.GatedProducts(context.Background()); err != nil {
		t.Fatalf("gated: %v", err)
	}
	if !tc.sawInternal {
		t.Fatal("engine enumeration must carry the internal-lookup tag")
	}
}

type countingClassifier struct {
	mu            sync.Mutex
	inner         catalog.Classifier
	classifyCalls int
	gatedCalls    int
}

func (c *countingClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	c.mu.Lock()
	c.classifyCalls++
	c.mu.Unlock()
	return c.inner.Classify(ctx, id)
}

func (c *countingClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	c.mu.Lock()
	c.gatedCalls++
	c.mu.Unlock()
	if c.inner == nil {
		return nil, nil
	}
	return c.inner.GatedProducts(ctx)
}

func (c *countingClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	if c.inner == nil {
		return nil, nil
	}
	return c.inner.RestrictedCatalogs(ctx)
}

type erroringClassifier struct{}

var errClassify = errors.New("attribute store down")

func (erroringClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	return nil, errClassify
}

func (erroringClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	return nil, errClassify
}

func (erroringClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	return nil, errClassify
}

type taggingClassifier struct {
	inner       catalog.Classifier
	sawInternal bool
}

func (c *taggingClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	if IsInternalLookup(ctx) {
		c.sawInternal = true
	}
	return c.inner.Classify(ctx, id)
}

func (c *taggingClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	if IsInternalLookup(ctx) {
		c.sawInternal = true
	}
	return c.inner.GatedProducts(ctx)
}

func (c *taggingClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	return c.inner.RestrictedCatalogs(ctx)
}
