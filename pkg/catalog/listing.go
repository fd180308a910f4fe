package catalog

import (
	"context"
	"sort"

	"palisade/pkg/models"
)

// ListedProduct is one row of a storefront listing.
type ListedProduct struct {
	ID        models.ProductID `json:"id"`
	Permalink string           `json:"permalink"`
}

// Lister enumerates published products for listing surfaces. Separate
// from ProductStore because only the listing endpoint needs it.
type Lister interface {
	PublishedProducts(ctx context.Context) ([]ListedProduct, error)
}

func (m *MemoryStore) PublishedProducts(ctx context.Context) ([]ListedProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ListedProduct, 0, len(m.permalinks))
	for id, url := range m.permalinks {
		if !m.published(id) {
			continue
		}
		out = append(out, ListedProduct{ID: id, Permalink: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PostgresStore) PublishedProducts(ctx context.Context) ([]ListedProduct, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, permalink FROM products WHERE status = 'publish' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ListedProduct
	for rows.Next() {
		var p ListedProduct
		var id int64
		if err := rows.Scan(&id, &p.Permalink); err != nil {
			return nil, err
		}
		p.ID = models.ProductID(id)
		out = append(out, p)
	}
	return out, rows.Err()
}
