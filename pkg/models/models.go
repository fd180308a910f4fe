package models

import "strings"

// ProductID identifies a catalog product in the storefront.
type ProductID int64

// GuestKey is the cache key sentinel for anonymous viewers.
const GuestKey = "guest"

// Viewer is the acting identity of one request: an authenticated account
// with zero or more roles, or an anonymous guest. It exists only for the
// request's duration; Key is the stable identifier used for caching.
type Viewer struct {
	Key           string
	Roles         []string
	Admin         bool
	Authenticated bool
}

// adminRoles grant unconditional catalog access.
var adminRoles = map[string]struct{}{
	"administrator": {},
	"shop_manager":  {},
}

func Guest() Viewer {
	return Viewer{Key: GuestKey}
}

// NewViewer builds an authenticated viewer from a subject and its roles.
// A blank subject is treated as a guest regardless of roles.
func NewViewer(subject string, roles []string) Viewer {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Guest()
	}
	v := Viewer{Key: subject, Roles: roles, Authenticated: true}
	for _, role := range roles {
		if _, ok := adminRoles[strings.ToLower(strings.TrimSpace(role))]; ok {
			v.Admin = true
			break
		}
	}
	return v
}

// RestrictedData is the snapshot served to the client-side reconciliation
// filter: product IDs the viewer may not see, their permalinks for URL
// matching, and brand names for taxonomy text matching.
type RestrictedData struct {
	Products    []ProductID `json:"products"`
	ProductURLs []string    `json:"product_urls,omitempty"`
	Brands      []string    `json:"brands"`
}

// QueryArgs is the narrow contract with the host framework's listing query:
// the fields the listing-query adapter reads and mutates.
type QueryArgs struct {
	PostType        string
	Search          bool
	Archive         bool
	AdminRequest    bool
	AJAX            bool
	ExcludeIDs      []ProductID
	ExcludeTagSlugs []string
	// ForceEmpty is the fail-secure escape: set when no restricted set could
	// be resolved at all, so the query must return nothing gated or not.
	ForceEmpty bool
}

// ProductQuery reports whether the query carries products at all. Queries
// for other post types are never touched.
func (q *QueryArgs) ProductQuery() bool {
	return q.PostType == "" || q.PostType == "product"
}
