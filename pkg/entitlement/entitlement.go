package entitlement

import (
	"sort"
	"strings"
	"unicode"

	"palisade/pkg/models"
)

// Key is a normalized brand token shared by the role and tag sides:
// role "access-vimergy-user" and tag "access-vimergy-product" both
// normalize to "vimergy".
type Key string

// Wildcard grants every entitlement (administrative override).
const Wildcard Key = "*"

const accessPrefix = "access-"

// Suffix sets are side-specific and ordered longest-first so that
// "-products" wins over "-product" on the same slug.
var (
	roleSuffixes = []string{"-user"}
	tagSuffixes  = []string{"-products", "-product", "-brands", "-brand", "-tags", "-tag"}
)

// KeyFromRole normalizes a role identifier. Roles without the access-
// prefix carry no entitlement.
func KeyFromRole(role string) (Key, bool) {
	return normalize(role, roleSuffixes)
}

// KeyFromTag normalizes a gating taxonomy slug.
func KeyFromTag(slug string) (Key, bool) {
	return normalize(slug, tagSuffixes)
}

func normalize(raw string, suffixes []string) (Key, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(raw, accessPrefix) {
		return "", false
	}
	brand := strings.TrimPrefix(raw, accessPrefix)
	for _, suffix := range suffixes {
		if strings.HasSuffix(brand, suffix) {
			brand = strings.TrimSuffix(brand, suffix)
			break
		}
	}
	if brand == "" {
		return "", false
	}
	return Key(brand), true
}

// CatalogForKey maps a key back to its catalog value: "vimergy" →
// "Vimergy_catalog".
func CatalogForKey(k Key) string {
	brand := string(k)
	if brand == "" {
		return ""
	}
	runes := []rune(brand)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes) + "_catalog"
}

// KeyForCatalog maps a catalog value to its key: "Vimergy_catalog" →
// "vimergy".
func KeyForCatalog(catalog string) Key {
	brand := strings.TrimSuffix(strings.TrimSpace(catalog), "_catalog")
	return Key(strings.ToLower(brand))
}

// BrandForCatalog strips the catalog suffix for display matching:
// "Vimergy_catalog" → "Vimergy".
func BrandForCatalog(catalog string) string {
	return strings.TrimSuffix(strings.TrimSpace(catalog), "_catalog")
}

// Set is a deduplicated entitlement key set.
type Set map[Key]struct{}

func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

func (s Set) HasWildcard() bool {
	return s.Has(Wildcard)
}

// Intersects reports whether any key of other is held. OR semantics: one
// matching catalog on a multi-catalog product is enough.
func (s Set) Intersects(other Set) bool {
	for k := range other {
		if s.Has(k) {
			return true
		}
	}
	return false
}

// Keys returns the sorted key list, for deterministic logs and payloads.
func (s Set) Keys() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolver derives the entitlement set a viewer holds. Pure function of
// the viewer at call time; results may be memoized per request only.
type Resolver struct{}

func (Resolver) Resolve(v models.Viewer) Set {
	if v.Admin {
		return Set{Wildcard: {}}
	}
	out := Set{}
	if !v.Authenticated {
		return out
	}
	for _, role := range v.Roles {
		if key, ok := KeyFromRole(role); ok {
			out[key] = struct{}{}
		}
	}
	return out
}
