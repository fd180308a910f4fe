package restrict

import (
	"context"
	"sync"

	"palisade/pkg/entitlement"
	"palisade/pkg/models"
)

// RequestScope memoizes resolver and classifier results for the duration
// of one request. Roles and product attributes do not change mid-request,
// so repeated enforcement calls on the same page load reuse the first
// lookup. A scope must never outlive its request.
type RequestScope struct {
	mu           sync.Mutex
	entitlements map[string]entitlement.Set
	classes      map[models.ProductID]classResult
}

type classResult struct {
	keys entitlement.Set
	err  error
}

func NewRequestScope() *RequestScope {
	s := &RequestScope{}
	s.Reset()
	return s
}

// Reset drops every memoized result.
func (s *RequestScope) Reset() {
	s.mu.Lock()
	s.entitlements = map[string]entitlement.Set{}
	s.classes = map[models.ProductID]classResult{}
	s.mu.Unlock()
}

func (s *RequestScope) entitlementsFor(key string, compute func() entitlement.Set) entitlement.Set {
	if s == nil {
		return compute()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.entitlements[key]; ok {
		return set
	}
	set := compute()
	s.entitlements[key] = set
	return set
}

func (s *RequestScope) classFor(id models.ProductID, compute func() (entitlement.Set, error)) (entitlement.Set, error) {
	if s == nil {
		return compute()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.classes[id]; ok {
		return res.keys, res.err
	}
	keys, err := compute()
	s.classes[id] = classResult{keys: keys, err: err}
	return keys, err
}

type ctxKey int

const internalLookupKey ctxKey = 0

// WithInternalLookup tags a context as originating from the engine's own
// catalog queries. Enforcement adapters must pass such queries through
// unfiltered or the engine would recurse into itself.
func WithInternalLookup(ctx context.Context) context.Context {
	return context.WithValue(ctx, internalLookupKey, true)
}

func IsInternalLookup(ctx context.Context) bool {
	v, _ := ctx.Value(internalLookupKey).(bool)
	return v
}
