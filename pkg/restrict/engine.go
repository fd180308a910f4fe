package restrict

import (
	"context"
	"log"

	"palisade/pkg/catalog"
	"palisade/pkg/entitlement"
	"palisade/pkg/models"
)

// Engine computes the restricted product set for a viewer: every gated
// product whose classification shares no key with the viewer's
// entitlements. The enumeration is the expensive step; callers go
// through ResultCache rather than calling Compute directly.
type Engine struct {
	Resolver   entitlement.Resolver
	Classifier catalog.Classifier
}

// Entitlements resolves the viewer's keys, memoized per request.
func (e *Engine) Entitlements(scope *RequestScope, viewer models.Viewer) entitlement.Set {
	return scope.entitlementsFor(viewer.Key, func() entitlement.Set {
		return e.Resolver.Resolve(viewer)
	})
}

func (e *Engine) classify(ctx context.Context, scope *RequestScope, id models.ProductID) (entitlement.Set, error) {
	ctx = WithInternalLookup(ctx)
	return scope.classFor(id, func() (entitlement.Set, error) {
		return e.Classifier.Classify(ctx, id)
	})
}

// Compute returns the product IDs hidden from the viewer. Admin viewers
// short-circuit to the empty set before any enumeration.
func (e *Engine) Compute(ctx context.Context, scope *RequestScope, viewer models.Viewer) (map[models.ProductID]struct{}, error) {
	if viewer.Admin {
		return map[models.ProductID]struct{}{}, nil
	}
	ents := e.Entitlements(scope, viewer)
	if ents.HasWildcard() {
		return map[models.ProductID]struct{}{}, nil
	}
	gated, err := e.GatedProducts(ctx)
	if err != nil {
		return nil, err
	}
	restricted := make(map[models.ProductID]struct{}, len(gated))
	if len(gated) == 0 {
		return restricted, nil
	}
	for _, id := range gated {
		keys, err := e.classify(ctx, scope, id)
		if err != nil {
			// Unclassifiable products stay hidden.
			log.Printf("restrict: classify product %d failed, treating as restricted: %v", id, err)
			restricted[id] = struct{}{}
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if !ents.Intersects(keys) {
			restricted[id] = struct{}{}
		}
	}
	return restricted, nil
}

// CanView answers the single-product question directly, without building
// the full restricted set. Errors resolve toward hiding.
func (e *Engine) CanView(ctx context.Context, scope *RequestScope, viewer models.Viewer, id models.ProductID) bool {
	if viewer.Admin {
		return true
	}
	keys, err := e.classify(ctx, scope, id)
	if err != nil {
		log.Printf("restrict: classify product %d failed, denying view: %v", id, err)
		return false
	}
	if len(keys) == 0 {
		return true
	}
	ents := e.Entitlements(scope, viewer)
	if ents.HasWildcard() {
		return true
	}
	return ents.Intersects(keys)
}

// GatedProducts enumerates every gated product, tagged as an internal
// lookup so listing enforcement does not re-filter the enumeration.
func (e *Engine) GatedProducts(ctx context.Context) ([]models.ProductID, error) {
	return e.Classifier.GatedProducts(WithInternalLookup(ctx))
}

// RestrictedBrands returns the display brand names of catalogs the
// viewer cannot access, for client-side taxonomy text matching.
func (e *Engine) RestrictedBrands(ctx context.Context, scope *RequestScope, viewer models.Viewer) ([]string, error) {
	if viewer.Admin {
		return nil, nil
	}
	ents := e.Entitlements(scope, viewer)
	if ents.HasWildcard() {
		return nil, nil
	}
	catalogs, err := e.Classifier.RestrictedCatalogs(WithInternalLookup(ctx))
	if err != nil {
		return nil, err
	}
	brands := make([]string, 0, len(catalogs))
	for _, cat := range catalogs {
		if ents.Has(entitlement.KeyForCatalog(cat)) {
			continue
		}
		brands = append(brands, entitlement.BrandForCatalog(cat))
	}
	return brands, nil
}
