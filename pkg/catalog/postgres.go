package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"palisade/pkg/models"
)

// Querier is the pgx surface PostgresStore needs; *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads product attributes from the storefront's database.
// Every query goes through an index on (catalog) or (slug); there is no
// per-row scan path.
type PostgresStore struct {
	DB Querier
}

func (s *PostgresStore) CatalogsFor(ctx context.Context, id models.ProductID) ([]string, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT catalog FROM product_catalogs WHERE product_id = $1 ORDER BY catalog`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query catalogs for %d: %w", id, err)
	}
	return collectStrings(rows)
}

func (s *PostgresStore) AllCatalogs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT DISTINCT pc.catalog
		   FROM product_catalogs pc
		   JOIN products p ON p.id = pc.product_id
		  WHERE p.status = 'publish'
		  ORDER BY pc.catalog`)
	if err != nil {
		return nil, fmt.Errorf("query all catalogs: %w", err)
	}
	return collectStrings(rows)
}

func (s *PostgresStore) GatedProductIDs(ctx context.Context, catalogs []string) ([]models.ProductID, error) {
	if len(catalogs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.Query(ctx,
		`SELECT DISTINCT pc.product_id
		   FROM product_catalogs pc
		   JOIN products p ON p.id = pc.product_id
		  WHERE p.status = 'publish' AND pc.catalog = ANY($1)
		  ORDER BY pc.product_id`, catalogs)
	if err != nil {
		return nil, fmt.Errorf("query gated products: %w", err)
	}
	return collectIDs(rows)
}

func (s *PostgresStore) TagsFor(ctx context.Context, id models.ProductID) ([]string, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT slug FROM product_tags WHERE product_id = $1 ORDER BY slug`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query tags for %d: %w", id, err)
	}
	return collectStrings(rows)
}

func (s *PostgresStore) ProductIDsWithTagPrefix(ctx context.Context, prefix string) ([]models.ProductID, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT DISTINCT pt.product_id
		   FROM product_tags pt
		   JOIN products p ON p.id = pt.product_id
		  WHERE p.status = 'publish' AND pt.slug LIKE $1 || '%'
		  ORDER BY pt.product_id`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query products by tag prefix: %w", err)
	}
	return collectIDs(rows)
}

func (s *PostgresStore) TagSlugsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT DISTINCT slug FROM product_tags WHERE slug LIKE $1 || '%' ORDER BY slug`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query tag slugs: %w", err)
	}
	return collectStrings(rows)
}

func (s *PostgresStore) PermalinkFor(ctx context.Context, id models.ProductID) (string, error) {
	var url string
	err := s.DB.QueryRow(ctx,
		`SELECT permalink FROM products WHERE id = $1`, int64(id)).Scan(&url)
	if err != nil {
		return "", fmt.Errorf("query permalink for %d: %w", id, err)
	}
	return url, nil
}

// Schema creates the tables and indexes PostgresStore expects. Used by
// dev setups and the integration test; production schemas are owned by
// the storefront.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id        BIGINT PRIMARY KEY,
    status    TEXT NOT NULL DEFAULT 'publish',
    permalink TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS product_catalogs (
    product_id BIGINT NOT NULL REFERENCES products(id),
    catalog    TEXT NOT NULL,
    PRIMARY KEY (product_id, catalog)
);
CREATE INDEX IF NOT EXISTS product_catalogs_catalog_idx ON product_catalogs (catalog);
CREATE TABLE IF NOT EXISTS product_tags (
    product_id BIGINT NOT NULL REFERENCES products(id),
    slug       TEXT NOT NULL,
    PRIMARY KEY (product_id, slug)
);
CREATE INDEX IF NOT EXISTS product_tags_slug_idx ON product_tags (slug text_pattern_ops);
`

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]models.ProductID, error) {
	defer rows.Close()
	var out []models.ProductID
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, models.ProductID(v))
	}
	return out, rows.Err()
}
