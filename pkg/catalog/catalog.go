package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"palisade/pkg/entitlement"
	"palisade/pkg/models"
)

// Strategy selects how products are classified as gated.
type Strategy string

const (
	// StrategyField gates by the site_catalog attribute against a public
	// allow-list: every catalog value not in the list is restricted.
	StrategyField Strategy = "field"
	// StrategyTag gates by access- prefixed taxonomy terms.
	StrategyTag Strategy = "tag"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyField, "":
		return StrategyField, nil
	case StrategyTag:
		return StrategyTag, nil
	}
	return "", fmt.Errorf("unknown classifier strategy %q", raw)
}

// ProductStore is the contract with the external attribute store. All
// lookups are indexed paths; implementations must not scan row by row.
type ProductStore interface {
	// CatalogsFor returns the raw site_catalog values of one product.
	CatalogsFor(ctx context.Context, id models.ProductID) ([]string, error)
	// AllCatalogs returns every catalog value observed on published products.
	AllCatalogs(ctx context.Context) ([]string, error)
	// GatedProductIDs returns published products carrying any of the given
	// catalog values.
	GatedProductIDs(ctx context.Context, catalogs []string) ([]models.ProductID, error)
	// TagsFor returns the taxonomy term slugs of one product.
	TagsFor(ctx context.Context, id models.ProductID) ([]string, error)
	// ProductIDsWithTagPrefix returns published products carrying any term
	// slug with the given prefix.
	ProductIDsWithTagPrefix(ctx context.Context, prefix string) ([]models.ProductID, error)
	// TagSlugsWithPrefix returns every term slug with the given prefix.
	TagSlugsWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// PermalinkFor returns the public URL of a product.
	PermalinkFor(ctx context.Context, id models.ProductID) (string, error)
}

// Classifier maps products to the entitlement keys that gate them. An
// empty set means the product is public. Errors are fail-secure: callers
// must treat an unclassifiable product as fully restricted.
type Classifier interface {
	Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error)
	// GatedProducts enumerates every published product with a non-empty
	// classification, via the store's indexed path.
	GatedProducts(ctx context.Context) ([]models.ProductID, error)
	// RestrictedCatalogs returns the catalog values requiring entitlement.
	RestrictedCatalogs(ctx context.Context) ([]string, error)
}

// New builds the classifier for a strategy.
func New(strategy Strategy, store ProductStore, publicCatalogs []string) (Classifier, error) {
	switch strategy {
	case StrategyField:
		return &FieldClassifier{Store: store, Public: publicCatalogs}, nil
	case StrategyTag:
		return &TagClassifier{Store: store}, nil
	}
	return nil, fmt.Errorf("unknown classifier strategy %q", strategy)
}

// FieldClassifier implements the deny-by-default catalog policy: the
// public allow-list names what stays open, everything else observed in
// the attribute store is restricted. A catalog value added with no code
// change lands restricted.
type FieldClassifier struct {
	Store  ProductStore
	Public []string
}

func (c *FieldClassifier) publicSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Public))
	for _, cat := range c.Public {
		cat = strings.TrimSpace(cat)
		if cat != "" {
			out[cat] = struct{}{}
		}
	}
	return out
}

func (c *FieldClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	all, err := c.Store.AllCatalogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalogs: %w", err)
	}
	public := c.publicSet()
	restricted := make([]string, 0, len(all))
	for _, cat := range all {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		if _, ok := public[cat]; !ok {
			restricted = append(restricted, cat)
		}
	}
	sort.Strings(restricted)
	return restricted, nil
}

func (c *FieldClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	catalogs, err := c.Store.CatalogsFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("catalogs for product %d: %w", id, err)
	}
	if len(catalogs) == 0 {
		return entitlement.Set{}, nil
	}
	public := c.publicSet()
	keys := entitlement.Set{}
	for _, cat := range catalogs {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		if _, ok := public[cat]; ok {
			continue
		}
		keys[entitlement.KeyForCatalog(cat)] = struct{}{}
	}
	return keys, nil
}

func (c *FieldClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	restricted, err := c.RestrictedCatalogs(ctx)
	if err != nil {
		return nil, err
	}
	if len(restricted) == 0 {
		return nil, nil
	}
	ids, err := c.Store.GatedProductIDs(ctx, restricted)
	if err != nil {
		return nil, fmt.Errorf("gated products: %w", err)
	}
	return ids, nil
}

// TagClassifier gates by access- prefixed taxonomy terms: any such term
// on a product restricts it to viewers entitled to the term's key.
type TagClassifier struct {
	Store ProductStore
}

func (c *TagClassifier) Classify(ctx context.Context, id models.ProductID) (entitlement.Set, error) {
	tags, err := c.Store.TagsFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tags for product %d: %w", id, err)
	}
	keys := entitlement.Set{}
	for _, slug := range tags {
		if key, ok := entitlement.KeyFromTag(slug); ok {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

func (c *TagClassifier) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	ids, err := c.Store.ProductIDsWithTagPrefix(ctx, "access-")
	if err != nil {
		return nil, fmt.Errorf("gated products: %w", err)
	}
	return ids, nil
}

func (c *TagClassifier) RestrictedCatalogs(ctx context.Context) ([]string, error) {
	slugs, err := c.GatingTagSlugs(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		key, ok := entitlement.KeyFromTag(slug)
		if !ok {
			continue
		}
		cat := entitlement.CatalogForKey(key)
		if _, dup := seen[cat]; dup {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	sort.Strings(out)
	return out, nil
}

// GatingTagSlugs returns every access- term slug, for the redundant
// tag-NOT-IN listing exclusion path.
func (c *TagClassifier) GatingTagSlugs(ctx context.Context) ([]string, error) {
	slugs, err := c.Store.TagSlugsWithPrefix(ctx, "access-")
	if err != nil {
		return nil, fmt.Errorf("gating tag slugs: %w", err)
	}
	return slugs, nil
}
