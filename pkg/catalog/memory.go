package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"palisade/pkg/models"
)

// MemoryStore is an in-memory ProductStore for tests and single-node dev
// deployments without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	catalogs   map[models.ProductID][]string
	tags       map[models.ProductID][]string
	permalinks map[models.ProductID]string
	unpub      map[models.ProductID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		catalogs:   map[models.ProductID][]string{},
		tags:       map[models.ProductID][]string{},
		permalinks: map[models.ProductID]string{},
		unpub:      map[models.ProductID]struct{}{},
	}
}

// AddProduct registers a published product with its catalog values and
// term slugs.
func (m *MemoryStore) AddProduct(id models.ProductID, catalogs, tags []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[id] = append([]string(nil), catalogs...)
	m.tags[id] = append([]string(nil), tags...)
	m.permalinks[id] = fmt.Sprintf("https://shop.example/product/item-%d/?p=%d", id, id)
}

// SetPermalink overrides the generated permalink.
func (m *MemoryStore) SetPermalink(id models.ProductID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permalinks[id] = url
}

// Unpublish hides a product from the enumeration paths.
func (m *MemoryStore) Unpublish(id models.ProductID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpub[id] = struct{}{}
}

func (m *MemoryStore) published(id models.ProductID) bool {
	_, hidden := m.unpub[id]
	return !hidden
}

func (m *MemoryStore) CatalogsFor(ctx context.Context, id models.ProductID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.catalogs[id]...), nil
}

func (m *MemoryStore) AllCatalogs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for id, cats := range m.catalogs {
		if !m.published(id) {
			continue
		}
		for _, cat := range cats {
			if _, dup := seen[cat]; dup {
				continue
			}
			seen[cat] = struct{}{}
			out = append(out, cat)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GatedProductIDs(ctx context.Context, catalogs []string) ([]models.ProductID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := map[string]struct{}{}
	for _, cat := range catalogs {
		want[cat] = struct{}{}
	}
	var out []models.ProductID
	for id, cats := range m.catalogs {
		if !m.published(id) {
			continue
		}
		for _, cat := range cats {
			if _, ok := want[cat]; ok {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) TagsFor(ctx context.Context, id models.ProductID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.tags[id]...), nil
}

func (m *MemoryStore) ProductIDsWithTagPrefix(ctx context.Context, prefix string) ([]models.ProductID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProductID
	for id, tags := range m.tags {
		if !m.published(id) {
			continue
		}
		for _, slug := range tags {
			if strings.HasPrefix(slug, prefix) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) TagSlugsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for id, tags := range m.tags {
		if !m.published(id) {
			continue
		}
		for _, slug := range tags {
			if !strings.HasPrefix(slug, prefix) {
				continue
			}
			if _, dup := seen[slug]; dup {
				continue
			}
			seen[slug] = struct{}{}
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) PermalinkFor(ctx context.Context, id models.ProductID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.permalinks[id]
	if !ok {
		return "", fmt.Errorf("no permalink for product %d", id)
	}
	return url, nil
}
