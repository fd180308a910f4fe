// Package enforce applies restricted-set decisions at every surface a
// gated product could leak through: listing queries, direct visibility
// checks, purchasability, direct URL access and search suggestions.
package enforce

import (
	"context"
	"log"
	"net/http"
	"strings"

	"palisade/pkg/catalog"
	"palisade/pkg/entitlement"
	"palisade/pkg/httpx"
	"palisade/pkg/metrics"
	"palisade/pkg/models"
	"palisade/pkg/restrict"
	"palisade/pkg/suggest"
)

// Enforcer is the single decision point the adapters share. All methods
// are safe for concurrent use; per-request memoization lives in the
// scope argument, not here.
type Enforcer struct {
	Engine   *restrict.Engine
	Cache    *restrict.ResultCache
	Strategy catalog.Strategy
	Stats    *metrics.Registry
}

// tagSlugger is satisfied by the tag classifier only.
type tagSlugger interface {
	GatingTagSlugs(ctx context.Context) ([]string, error)
}

// RestrictedSet resolves the viewer's restricted set through the cache.
func (e *Enforcer) RestrictedSet(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer) (map[models.ProductID]struct{}, error) {
	return e.Cache.Get(ctx, scope, viewer)
}

// FilterListing mutates a listing query so gated products the viewer
// cannot see never reach the result page. Internal engine lookups,
// admin viewers and backoffice screens pass through untouched; if the
// restricted set cannot be resolved at all the query is forced empty
// rather than left open.
func (e *Enforcer) FilterListing(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, q *models.QueryArgs) {
	if q == nil || restrict.IsInternalLookup(ctx) {
		return
	}
	if !q.ProductQuery() {
		return
	}
	// Backoffice listings stay complete; AJAX calls from the storefront
	// run under the admin path and still get filtered.
	if q.AdminRequest && !q.AJAX {
		return
	}
	if viewer.Admin {
		return
	}

	set, err := e.RestrictedSet(ctx, scope, viewer)
	if err != nil {
		log.Printf("enforce: restricted set unavailable for %s, forcing empty listing: %v", viewer.Key, err)
		q.ForceEmpty = true
		return
	}
	for id := range set {
		q.ExcludeIDs = append(q.ExcludeIDs, id)
	}

	if e.Strategy == catalog.StrategyTag {
		e.excludeGatingTags(ctx, scope, viewer, q)
	}
}

// excludeGatingTags adds the access tags the viewer lacks to the query's
// tag exclusion, so tag archives themselves come up empty.
func (e *Enforcer) excludeGatingTags(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, q *models.QueryArgs) {
	slugger, ok := e.Engine.Classifier.(tagSlugger)
	if !ok {
		return
	}
	slugs, err := slugger.GatingTagSlugs(restrict.WithInternalLookup(ctx))
	if err != nil {
		log.Printf("enforce: gating tag slugs: %v", err)
		return
	}
	ents := e.Engine.Entitlements(scope, viewer)
	for _, slug := range slugs {
		if key, ok := entitlement.KeyFromTag(slug); ok && ents.Has(key) {
			continue
		}
		q.ExcludeTagSlugs = append(q.ExcludeTagSlugs, slug)
	}
}

// Visible decides product visibility in both directions: restricted
// products are hidden no matter what the host says, and under the field
// strategy an entitled viewer sees the product even when the host's own
// visibility flags would hide it.
func (e *Enforcer) Visible(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, id models.ProductID, hostVisible bool) bool {
	if restrict.IsInternalLookup(ctx) {
		return hostVisible
	}
	if !e.Engine.CanView(ctx, scope, viewer, id) {
		return false
	}
	if e.Strategy == catalog.StrategyField && !hostVisible {
		if gated, err := e.gatedProduct(ctx, scope, id); err == nil && gated {
			return true
		}
	}
	return hostVisible
}

// VariationVisible gates a variation by its parent product.
func (e *Enforcer) VariationVisible(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, parent models.ProductID, hostVisible bool) bool {
	return e.Visible(ctx, scope, viewer, parent, hostVisible)
}

// Purchasable blocks checkout for restricted products. It only ever
// narrows the host's answer.
func (e *Enforcer) Purchasable(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, id models.ProductID, hostPurchasable bool) bool {
	if !hostPurchasable {
		return false
	}
	return e.Engine.CanView(ctx, scope, viewer, id)
}

// Gate answers a direct product URL the viewer may not see: an
// uncacheable 404, indistinguishable from a product that does not
// exist.
func (e *Enforcer) Gate(w http.ResponseWriter) {
	e.Stats.Inc(metrics.GateNotFound)
	httpx.NoCacheHeaders(w)
	httpx.Error(w, http.StatusNotFound, "not found")
}

// FilterProductSuggestion reports whether a product suggestion may be
// shown. Entries whose product identity cannot be recovered pass
// through; dropping arbitrary rows on a parse failure would break
// legitimate suggestions.
func (e *Enforcer) FilterProductSuggestion(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, s *suggest.Suggestion) bool {
	id := suggest.ExtractProductID(s)
	if id == 0 {
		e.Stats.Inc(metrics.SuggestionPass)
		log.Printf("enforce: unclassifiable product suggestion %q, passing through", s.Value)
		return true
	}
	if !e.Engine.CanView(ctx, scope, viewer, id) {
		e.Stats.Inc(metrics.SuggestionDrop)
		return false
	}
	return true
}

// FilterTaxonomySuggestion drops term suggestions whose label names a
// brand the viewer cannot access.
func (e *Enforcer) FilterTaxonomySuggestion(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, s *suggest.Suggestion) bool {
	info := suggest.ExtractTermInfo(s)
	if info.Label == "" {
		e.Stats.Inc(metrics.SuggestionPass)
		return true
	}
	brands, err := e.Engine.RestrictedBrands(ctx, scope, viewer)
	if err != nil {
		log.Printf("enforce: restricted brands: %v", err)
		e.Stats.Inc(metrics.SuggestionPass)
		return true
	}
	// Substring match: a term like "Vimergy Supplements" names the
	// brand without equaling it.
	label := strings.ToLower(info.Label)
	for _, brand := range brands {
		if strings.Contains(label, strings.ToLower(brand)) {
			e.Stats.Inc(metrics.SuggestionDrop)
			return false
		}
	}
	return true
}

// FilterOutput filters a whole suggestion payload, then removes
// headline rows whose group lost every entry.
func (e *Enforcer) FilterOutput(ctx context.Context, scope *restrict.RequestScope, viewer models.Viewer, in []suggest.Suggestion) []suggest.Suggestion {
	out := make([]suggest.Suggestion, 0, len(in))
	var pendingHeadline *suggest.Suggestion
	for i := range in {
		s := &in[i]
		if s.Headline() {
			// Flushed only once a surviving member follows.
			pendingHeadline = s
			continue
		}
		keep := true
		switch {
		case s.ProductLike():
			keep = e.FilterProductSuggestion(ctx, scope, viewer, s)
		case s.TaxonomyLike():
			keep = e.FilterTaxonomySuggestion(ctx, scope, viewer, s)
		}
		if !keep {
			continue
		}
		if pendingHeadline != nil {
			out = append(out, *pendingHeadline)
			pendingHeadline = nil
		}
		out = append(out, *s)
	}
	return out
}

// gatedProduct reports whether the product carries any gating keys at
// all, independent of the viewer.
func (e *Enforcer) gatedProduct(ctx context.Context, scope *restrict.RequestScope, id models.ProductID) (bool, error) {
	keys, err := e.Engine.Classifier.Classify(restrict.WithInternalLookup(ctx), id)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}
