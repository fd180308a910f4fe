//go:build integration

package catalog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/catalog/...
func TestPostgresStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("storefront"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		_ = pgContainer.Terminate(ctx)
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	seed := `
	INSERT INTO products (id, status, permalink) VALUES
	  (1, 'publish', 'https://shop.example/product/one/?p=1'),
	  (2, 'publish', 'https://shop.example/product/two/?p=2'),
	  (3, 'draft',   'https://shop.example/product/three/?p=3');
	INSERT INTO product_catalogs (product_id, catalog) VALUES
	  (1, 'Vimergy_catalog'), (2, 'HP_catalog'), (3, 'Vimergy_catalog');
	INSERT INTO product_tags (product_id, slug) VALUES
	  (1, 'access-vimergy-product'), (2, 'featured');
	`
	for _, stmt := range strings.Split(Schema+seed, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	store := &PostgresStore{DB: pool}

	cats, err := store.AllCatalogs(ctx)
	if err != nil {
		t.Fatalf("all catalogs: %v", err)
	}
	// Draft product 3 must not surface its catalog via a published row.
	if len(cats) != 2 || cats[0] != "HP_catalog" || cats[1] != "Vimergy_catalog" {
		t.Fatalf("unexpected catalogs: %v", cats)
	}

	ids, err := store.GatedProductIDs(ctx, []string{"Vimergy_catalog"})
	if err != nil {
		t.Fatalf("gated ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("unexpected gated ids (draft must be excluded): %v", ids)
	}

	tagged, err := store.ProductIDsWithTagPrefix(ctx, "access-")
	if err != nil {
		t.Fatalf("tag prefix ids: %v", err)
	}
	if len(tagged) != 1 || tagged[0] != 1 {
		t.Fatalf("unexpected tagged ids: %v", tagged)
	}

	url, err := store.PermalinkFor(ctx, 2)
	if err != nil || url != "https://shop.example/product/two/?p=2" {
		t.Fatalf("permalink: %q %v", url, err)
	}
}
