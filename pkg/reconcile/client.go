// Package reconcile is the client-side half of enforcement: it fetches
// the viewer's restricted-data snapshot and scrubs already-rendered
// suggestion markup that server-side filtering could not reach.
package reconcile

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"palisade/pkg/models"
	"palisade/pkg/suggest"
)

// Snapshot is an indexed view of one RestrictedData payload. The zero
// value is the unknown snapshot: membership checks all answer false, so
// a scrub over it removes nothing.
type Snapshot struct {
	Known    bool
	products map[models.ProductID]struct{}
	urls     map[string]struct{}
	brands   []string
}

// NewSnapshot indexes a restricted-data payload for membership checks.
func NewSnapshot(data models.RestrictedData) Snapshot {
	snap := Snapshot{
		Known:    true,
		products: make(map[models.ProductID]struct{}, len(data.Products)),
		urls:     make(map[string]struct{}, len(data.ProductURLs)),
		brands:   make([]string, 0, len(data.Brands)),
	}
	for _, id := range data.Products {
		snap.products[id] = struct{}{}
	}
	for _, u := range data.ProductURLs {
		snap.urls[normalizeURL(u)] = struct{}{}
	}
	for _, b := range data.Brands {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			snap.brands = append(snap.brands, b)
		}
	}
	return snap
}

// RestrictedCount is the size of the restricted product set, zero for
// the unknown snapshot.
func (s Snapshot) RestrictedCount() int {
	if !s.Known {
		return 0
	}
	return len(s.products)
}

// BlockedProduct reports whether the product is in the restricted set.
func (s Snapshot) BlockedProduct(id models.ProductID) bool {
	if !s.Known || id == 0 {
		return false
	}
	_, ok := s.products[id]
	return ok
}

// BlockedURL matches a link against the restricted set, first by exact
// permalink and then by a product ID recovered from the URL shape.
func (s Snapshot) BlockedURL(href string) bool {
	if !s.Known || href == "" {
		return false
	}
	if _, ok := s.urls[normalizeURL(href)]; ok {
		return true
	}
	return s.BlockedProduct(suggest.ProductIDFromURL(href))
}

// BlockedText reports whether the text mentions a restricted brand.
func (s Snapshot) BlockedText(text string) bool {
	if !s.Known {
		return false
	}
	text = strings.ToLower(text)
	for _, brand := range s.brands {
		if strings.Contains(text, brand) {
			return true
		}
	}
	return false
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	return strings.TrimRight(raw, "/")
}

type envelope struct {
	Success bool                  `json:"success"`
	Data    models.RestrictedData `json:"data"`
}

// Client fetches the restricted-data snapshot exactly once per page
// lifecycle no matter how many scrubs ask for it. A fetch in flight is
// shared; a failed fetch yields the unknown snapshot and stays
// retryable.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	mu     sync.Mutex
	flight chan struct{}
	snap   Snapshot
	loaded bool
}

func NewClient(endpoint string) *Client {
	return &Client{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Snapshot returns the cached snapshot, fetching it on first use.
// Concurrent callers during the fetch block on the same flight and
// share its result. A failed fetch is not cached; the next call after
// the flight resolves retries.
func (c *Client) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.loaded {
		snap := c.snap
		c.mu.Unlock()
		return snap
	}
	if c.flight != nil {
		flight := c.flight
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Snapshot{}
		case <-flight:
		}
		c.mu.Lock()
		snap := c.snap
		c.mu.Unlock()
		return snap
	}
	done := make(chan struct{})
	c.flight = done
	c.mu.Unlock()

	snap := c.fetch(ctx)
	c.mu.Lock()
	c.snap = snap
	c.loaded = snap.Known
	c.flight = nil
	c.mu.Unlock()
	close(done)
	return snap
}

// Invalidate drops the cached snapshot so the next scrub refetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.snap = Snapshot{}
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context) Snapshot {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, strings.NewReader(""))
	if err != nil {
		log.Printf("reconcile: build request: %v", err)
		return Snapshot{}
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		log.Printf("reconcile: fetch restricted data: %v", err)
		return Snapshot{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("reconcile: fetch restricted data: status %d", resp.StatusCode)
		return Snapshot{}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		log.Printf("reconcile: read restricted data: %v", err)
		return Snapshot{}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Printf("reconcile: decode restricted data: %v", err)
		return Snapshot{}
	}
	if !env.Success {
		log.Printf("reconcile: restricted data endpoint reported failure")
		return Snapshot{}
	}
	return NewSnapshot(env.Data)
}
