package reconcile

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"palisade/pkg/models"
	"palisade/pkg/suggest"
)

// Suggestion-dropdown selectors of the search widget whose markup the
// scrubber reconciles.
const (
	productRowSelector   = ".dgwt-wcas-suggestion-product, .dgwt-wcas-sp, .dgwt-wcas-suggestion[data-post-id], .autocomplete-suggestion[data-index]"
	taxonomyRowSelector  = ".dgwt-wcas-suggestion-taxonomy, .dgwt-wcas-st"
	detailsWrapSelector  = ".dgwt-wcas-details-wrapp"
	detailsInnerSelector = ".dgwt-wcas-details-inner"
	detailsSelector      = detailsWrapSelector + " " + detailsInnerSelector
	viewMoreSelector     = ".dgwt-wcas-suggestion-more"

	// checkedAttr marks rows already judged, so repeated scrubs over the
	// same markup neither re-examine nor double-count them.
	checkedAttr = "data-access-checked"
	// totalAttr preserves the view-more row's original count across
	// scrubs; the displayed count is always derived from it.
	totalAttr = "data-access-total"
)

var (
	trailingIDPattern  = regexp.MustCompile(`/(\d+)/?(?:[?#]|$)`)
	viewMoreNumPattern = regexp.MustCompile(`\d+`)
)

// Scrubber removes restricted entries from rendered suggestion markup.
// With an unknown snapshot every method is a no-op: when the client
// cannot tell what is restricted it must not guess.
type Scrubber struct {
	Snap Snapshot

	removed int
}

// Removed is the cumulative number of rows this scrubber has dropped.
func (s *Scrubber) Removed() int { return s.removed }

// Scrub walks the document once: product rows, taxonomy rows, the
// details panel, then the view-more count. Safe to call repeatedly on
// the same document.
func (s *Scrubber) Scrub(doc *goquery.Document) int {
	if !s.Snap.Known {
		return 0
	}
	before := s.removed
	s.scrubProducts(doc)
	s.scrubTaxonomies(doc)
	s.scrubDetails(doc)
	s.adjustViewMore(doc)
	return s.removed - before
}

func (s *Scrubber) scrubProducts(doc *goquery.Document) {
	doc.Find(productRowSelector).Each(func(_ int, row *goquery.Selection) {
		if _, seen := row.Attr(checkedAttr); seen {
			return
		}
		id := rowProductID(row)
		if s.Snap.BlockedProduct(id) || s.blockedByLink(row) {
			row.Remove()
			s.removed++
			return
		}
		row.SetAttr(checkedAttr, "1")
	})
}

func (s *Scrubber) scrubTaxonomies(doc *goquery.Document) {
	doc.Find(taxonomyRowSelector).Each(func(_ int, row *goquery.Selection) {
		if _, seen := row.Attr(checkedAttr); seen {
			return
		}
		if s.Snap.BlockedText(row.Text()) {
			row.Remove()
			s.removed++
			return
		}
		row.SetAttr(checkedAttr, "1")
	})
}

// scrubDetails clears the hover panel when any link inside it points at
// a restricted product or names a restricted brand, and hides the
// wrapper once no panel remains.
func (s *Scrubber) scrubDetails(doc *goquery.Document) {
	doc.Find(detailsSelector).Each(func(_ int, panel *goquery.Selection) {
		if _, seen := panel.Attr(checkedAttr); seen {
			return
		}
		blocked := false
		panel.Find("a").EachWithBreak(func(_ int, link *goquery.Selection) bool {
			if s.blockedAnchor(link) || s.Snap.BlockedText(link.Text()) {
				blocked = true
				return false
			}
			return true
		})
		if !blocked {
			panel.SetAttr(checkedAttr, "1")
			return
		}
		panel.Remove()
		s.removed++
	})
	wrap := doc.Find(detailsWrapSelector)
	if wrap.Length() > 0 && wrap.Find(detailsInnerSelector).Length() == 0 {
		wrap.SetAttr("style", "display:none")
	}
}

// adjustViewMore rewrites the "view all N results" count. The count
// behind the affordance spans the whole result set, not just the
// rendered page, so the full restricted-product total is subtracted
// regardless of how many rows this scrub happened to remove.
func (s *Scrubber) adjustViewMore(doc *goquery.Document) {
	doc.Find(viewMoreSelector).Each(func(_ int, row *goquery.Selection) {
		total, ok := rowTotal(row)
		if !ok {
			return
		}
		remaining := total - s.Snap.RestrictedCount()
		if remaining <= 0 {
			row.Remove()
			return
		}
		target := row
		if link := row.Find("a"); link.Length() > 0 {
			target = link.First()
		}
		target.SetText(viewMoreNumPattern.ReplaceAllString(target.Text(), strconv.Itoa(remaining)))
	})
}

// rowTotal reads the view-more count, stashing the original on first
// sight so later scrubs subtract from the true total.
func rowTotal(row *goquery.Selection) (int, bool) {
	if saved, ok := row.Attr(totalAttr); ok {
		n, err := strconv.Atoi(saved)
		return n, err == nil
	}
	m := viewMoreNumPattern.FindString(row.Text())
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	row.SetAttr(totalAttr, strconv.Itoa(n))
	return n, true
}

func (s *Scrubber) blockedByLink(row *goquery.Selection) bool {
	blocked := false
	row.Find("a").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if s.blockedAnchor(link) {
			blocked = true
			return false
		}
		return true
	})
	return blocked
}

func (s *Scrubber) blockedAnchor(link *goquery.Selection) bool {
	if id := anchorProductID(link); id != 0 {
		return s.Snap.BlockedProduct(id)
	}
	if href, ok := link.Attr("href"); ok {
		return s.Snap.BlockedURL(href)
	}
	return false
}

// rowProductID mirrors the attribute-first, URL-second extraction used
// for raw suggestion payloads.
func rowProductID(row *goquery.Selection) models.ProductID {
	for _, attr := range []string{"data-post-id", "data-product-id"} {
		if v, ok := row.Attr(attr); ok {
			if id := parseAttrID(v); id != 0 {
				return id
			}
		}
	}
	var id models.ProductID
	row.Find("a").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		if got := anchorProductID(link); got != 0 {
			id = got
			return false
		}
		return true
	})
	return id
}

func anchorProductID(link *goquery.Selection) models.ProductID {
	for _, attr := range []string{"data-post-id", "data-product-id"} {
		if v, ok := link.Attr(attr); ok {
			if id := parseAttrID(v); id != 0 {
				return id
			}
		}
	}
	href, ok := link.Attr("href")
	if !ok {
		return 0
	}
	if id := suggest.ProductIDFromURL(href); id != 0 {
		return id
	}
	// Links inside the suggestion dropdown justify the loose
	// trailing-digits form the generic parser refuses.
	if m := trailingIDPattern.FindStringSubmatch(href); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 {
			return models.ProductID(n)
		}
	}
	return 0
}

func parseAttrID(v string) models.ProductID {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return models.ProductID(n)
}
