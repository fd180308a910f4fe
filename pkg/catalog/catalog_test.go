package catalog

import (
	"context"
	"errors"
	"testing"

	"palisade/pkg/models"
)

func fieldFixture() (*MemoryStore, *FieldClassifier) {
	store := NewMemoryStore()
	store.AddProduct(1, []string{"Vimergy_catalog"}, nil)
	store.AddProduct(2, []string{"HP_catalog"}, nil)
	store.AddProduct(3, []string{"HP_catalog", "Gaia_catalog"}, nil)
	store.AddProduct(4, nil, nil)
	c := &FieldClassifier{Store: store, Public: []string{"HP_catalog", "DCG_catalog"}}
	return store, c
}

func TestFieldRestrictedCatalogsDenyByDefault(t *testing.T) {
	store, c := fieldFixture()
	ctx := context.Background()

	got, err := c.RestrictedCatalogs(ctx)
	if err != nil {
		t.Fatalf("restricted catalogs: %v", err)
	}
	if len(got) != 2 || got[0] != "Gaia_catalog" || got[1] != "Vimergy_catalog" {
		t.Fatalf("unexpected restricted catalogs: %v", got)
	}

	// A catalog introduced with no config change lands restricted.
	store.AddProduct(9, []string{"Newbrand_catalog"}, nil)
	got, err = c.RestrictedCatalogs(ctx)
	if err != nil {
		t.Fatalf("restricted catalogs: %v", err)
	}
	found := false
	for _, cat := range got {
		if cat == "Newbrand_catalog" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new catalog not auto-restricted: %v", got)
	}
}

func TestFieldClassify(t *testing.T) {
	_, c := fieldFixture()
	ctx := context.Background()

	keys, err := c.Classify(ctx, 1)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(keys) != 1 || !keys.Has("vimergy") {
		t.Fatalf("product 1 keys: %v", keys.Keys())
	}

	// Public-only catalogs classify to empty (ungated).
	keys, err = c.Classify(ctx, 2)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("public product gated: %v", keys.Keys())
	}

	// Mixed public and restricted yields only the restricted key.
	keys, err = c.Classify(ctx, 3)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(keys) != 1 || !keys.Has("gaia") {
		t.Fatalf("product 3 keys: %v", keys.Keys())
	}
}

func TestFieldGatedProducts(t *testing.T) {
	_, c := fieldFixture()
	ids, err := c.GatedProducts(context.Background())
	if err != nil {
		t.Fatalf("gated products: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("unexpected gated products: %v", ids)
	}
}

func TestFieldNoRestrictedCatalogs(t *testing.T) {
	store := NewMemoryStore()
	store.AddProduct(1, []string{"HP_catalog"}, nil)
	c := &FieldClassifier{Store: store, Public: []string{"HP_catalog"}}
	ids, err := c.GatedProducts(context.Background())
	if err != nil {
		t.Fatalf("gated products: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no gated products, got %v", ids)
	}
}

func TestTagClassifier(t *testing.T) {
	store := NewMemoryStore()
	store.AddProduct(10, nil, []string{"access-vimergy-product", "featured"})
	store.AddProduct(11, nil, []string{"sale"})
	store.AddProduct(12, nil, []string{"access-gaia-brand"})
	c := &TagClassifier{Store: store}
	ctx := context.Background()

	keys, err := c.Classify(ctx, 10)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(keys) != 1 || !keys.Has("vimergy") {
		t.Fatalf("product 10 keys: %v", keys.Keys())
	}

	ids, err := c.GatedProducts(ctx)
	if err != nil {
		t.Fatalf("gated products: %v", err)
	}
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 12 {
		t.Fatalf("unexpected gated products: %v", ids)
	}

	slugs, err := c.GatingTagSlugs(ctx)
	if err != nil {
		t.Fatalf("gating slugs: %v", err)
	}
	if len(slugs) != 2 {
		t.Fatalf("unexpected gating slugs: %v", slugs)
	}

	cats, err := c.RestrictedCatalogs(ctx)
	if err != nil {
		t.Fatalf("restricted catalogs: %v", err)
	}
	if len(cats) != 2 || cats[0] != "Gaia_catalog" || cats[1] != "Vimergy_catalog" {
		t.Fatalf("unexpected restricted catalogs: %v", cats)
	}
}

type failingStore struct{ ProductStore }

var errStore = errors.New("attribute store unavailable")

func (failingStore) CatalogsFor(ctx context.Context, id models.ProductID) ([]string, error) {
	return nil, errStore
}

func (failingStore) AllCatalogs(ctx context.Context) ([]string, error) {
	return nil, errStore
}

// Classification data missing is an error, never a silent empty set;
// callers treat the error as fully restricted.
func TestClassifyErrorPropagates(t *testing.T) {
	c := &FieldClassifier{Store: failingStore{}, Public: []string{"HP_catalog"}}
	if _, err := c.Classify(context.Background(), 1); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := c.GatedProducts(context.Background()); !errors.Is(err, errStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyField {
		t.Fatalf("default strategy: %v %v", s, err)
	}
	if s, err := ParseStrategy("TAG"); err != nil || s != StrategyTag {
		t.Fatalf("tag strategy: %v %v", s, err)
	}
	if _, err := ParseStrategy("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
