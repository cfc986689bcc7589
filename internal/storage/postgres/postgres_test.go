package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/FranksOps/poolfeed/internal/storage"
	"github.com/FranksOps/poolfeed/internal/storage/storagetest"
)

func TestPostgresBackend(t *testing.T) {
	// Only run this test if POOLFEED_TEST_PG_DSN is set
	dsn := os.Getenv("POOLFEED_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres backend test: POOLFEED_TEST_PG_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Backend {
		ctx := context.Background()
		b, err := New(ctx, dsn, nil)
		if err != nil {
			t.Fatalf("Failed to create Postgres backend: %v", err)
		}
		pg := b.(*postgresBackend)
		if _, err := pg.pool.Exec(ctx, `TRUNCATE listings, cached_images`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 migration files, got %d", len(entries))
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike("100%"); got != `100\%` {
		t.Errorf("escapeLike = %q", got)
	}
}
