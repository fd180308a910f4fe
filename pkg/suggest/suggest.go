// Package suggest models search-suggestion payloads and recovers product
// and taxonomy identity from them. Suggestion feeds are loosely typed;
// the product ID can live in any of several fields or only inside the
// target URL, so extraction tries each location in a fixed order.
package suggest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"palisade/pkg/models"
)

// Suggestion is one entry of an autocomplete response. Unknown fields
// are preserved verbatim: filtering drops entries, it never rewrites
// the ones that pass.
type Suggestion struct {
	Type      string `json:"type,omitempty"`
	PostID    int64  `json:"post_id,omitempty"`
	ProductID int64  `json:"product_id,omitempty"`
	ID        int64  `json:"id,omitempty"`
	TermID    int64  `json:"term_id,omitempty"`
	Taxonomy  string `json:"taxonomy,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`

	raw json.RawMessage
}

func (s *Suggestion) UnmarshalJSON(data []byte) error {
	type alias Suggestion
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Suggestion(a)
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the original bytes when the suggestion was decoded
// from a payload, so passing entries survive round trips untouched.
func (s Suggestion) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	type alias Suggestion
	return json.Marshal(alias(s))
}

var productTypes = map[string]bool{
	"product":           true,
	"product_variation": true,
}

var taxonomyTypes = map[string]bool{
	"taxonomy":    true,
	"product_cat": true,
	"product_tag": true,
	"brand":       true,
}

// Headline reports grouping rows that carry no identity of their own.
func (s *Suggestion) Headline() bool {
	return s.Type == "headline"
}

// ProductLike reports whether the entry plausibly points at a product,
// either by declared type or by a product permalink shape.
func (s *Suggestion) ProductLike() bool {
	if productTypes[s.Type] {
		return true
	}
	if s.Type != "" {
		return false
	}
	return strings.Contains(s.URL, "/product/") || strings.Contains(s.URL, "post_type=product")
}

// TaxonomyLike reports whether the entry points at a term rather than a
// product.
func (s *Suggestion) TaxonomyLike() bool {
	return taxonomyTypes[s.Type] || s.Taxonomy != ""
}

// Query-string forms first, then pretty permalinks. The bare trailing
// number is only trusted on URLs that already declare a product shape.
var (
	queryIDPattern    = regexp.MustCompile(`[?&](?:p|product_id)=(\d+)`)
	postTypeIDPattern = regexp.MustCompile(`[?&]post_type=product(?:&[^#]*)?[?&]p=(\d+)`)
	permalinkPattern  = regexp.MustCompile(`/product/[^/?#]+/(\d+)/?(?:[?#]|$)`)
	trailingIDPattern = regexp.MustCompile(`/(\d+)/?(?:[?#]|$)`)
)

// ProductIDFromURL parses a product ID out of a permalink or plain
// query-string URL. Returns 0 when no pattern matches.
func ProductIDFromURL(rawURL string) models.ProductID {
	if rawURL == "" {
		return 0
	}
	for _, pat := range []*regexp.Regexp{queryIDPattern, postTypeIDPattern, permalinkPattern} {
		if m := pat.FindStringSubmatch(rawURL); m != nil {
			return parseID(m[1])
		}
	}
	if strings.Contains(rawURL, "/product/") {
		if m := trailingIDPattern.FindStringSubmatch(rawURL); m != nil {
			return parseID(m[1])
		}
	}
	return 0
}

// ExtractProductID resolves the product identity of a suggestion:
// explicit ID fields win, the generic id field counts only for
// product-like entries, and the URL is the last resort. Returns 0 when
// the entry is unclassifiable.
func ExtractProductID(s *Suggestion) models.ProductID {
	if s == nil {
		return 0
	}
	if s.PostID > 0 {
		return models.ProductID(s.PostID)
	}
	if s.ProductID > 0 {
		return models.ProductID(s.ProductID)
	}
	if s.ID > 0 && productTypes[s.Type] {
		return models.ProductID(s.ID)
	}
	if s.ProductLike() {
		return ProductIDFromURL(s.URL)
	}
	return 0
}

// TermInfo is the identity of a taxonomy suggestion.
type TermInfo struct {
	Taxonomy string
	TermID   int64
	Label    string
}

// ExtractTermInfo pulls the term identity from a taxonomy suggestion.
// The label is the display text used for brand-name matching when no
// structured identity is present.
func ExtractTermInfo(s *Suggestion) TermInfo {
	if s == nil {
		return TermInfo{}
	}
	info := TermInfo{Taxonomy: s.Taxonomy, Label: strings.TrimSpace(s.Value)}
	switch {
	case s.TermID > 0:
		info.TermID = s.TermID
	case s.ID > 0 && !productTypes[s.Type]:
		info.TermID = s.ID
	}
	return info
}

func parseID(s string) models.ProductID {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return models.ProductID(n)
}
