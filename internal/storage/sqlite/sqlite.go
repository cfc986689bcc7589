package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
	_ "modernc.org/sqlite"
)

// ensure sqliteBackend implements storage.Backend
var _ storage.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	remote_image TEXT NOT NULL DEFAULT '',
	price TEXT,
	moq TEXT,
	marketplace TEXT NOT NULL,
	store TEXT NOT NULL DEFAULT '',
	categories TEXT,
	product_ref TEXT NOT NULL DEFAULT '',
	raw_detail BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_product_ref ON listings (product_ref);
CREATE INDEX IF NOT EXISTS listings_updated_at ON listings (updated_at DESC);
CREATE TABLE IF NOT EXISTS cached_images (
	key TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	path TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	fetched_at INTEGER NOT NULL,
	known_bad BOOLEAN NOT NULL DEFAULT 0
);
`

// New opens (creating if needed) a SQLite database at dsn. Timestamps are
// stored as Unix nanoseconds so ordering is exact.
func New(dsn string) (storage.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite allows one writer; a single connection serializes statements
	// instead of surfacing SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	return &sqliteBackend{db: db}, nil
}

const listingColumns = `id, source_url, title, description, image, remote_image, price, moq, marketplace, store, categories, product_ref, raw_detail, created_at, updated_at`

const upsertSQL = `
INSERT INTO listings (` + listingColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	source_url = excluded.source_url,
	title = excluded.title,
	description = excluded.description,
	image = excluded.image,
	remote_image = excluded.remote_image,
	price = excluded.price,
	moq = excluded.moq,
	marketplace = excluded.marketplace,
	store = excluded.store,
	categories = excluded.categories,
	product_ref = excluded.product_ref,
	raw_detail = excluded.raw_detail,
	updated_at = excluded.updated_at
`

func (b *sqliteBackend) Upsert(ctx context.Context, l *listing.Listing) (bool, error) {
	price, moq, cats, err := encodeOptional(l)
	if err != nil {
		return false, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM listings WHERE id = ?`, l.ID).Scan(&existing); err != nil {
		return false, fmt.Errorf("sqlite: upsert %s: %w", l.ID, err)
	}

	_, err = tx.ExecContext(ctx, upsertSQL,
		l.ID, l.SourceURL, l.Title, l.Description, l.Image, l.RemoteImage,
		price, moq, string(l.Marketplace), l.Store, cats, l.ProductRef, nullBytes(l.RawDetail),
		l.CreatedAt.UnixNano(), l.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: upsert %s: %w", l.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return existing == 0, nil
}

func (b *sqliteBackend) Get(ctx context.Context, id string) (*listing.Listing, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return l, err
}

func (b *sqliteBackend) GetByProductRef(ctx context.Context, ref string) (*listing.Listing, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty product ref: %w", storage.ErrNotFound)
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE product_ref = ? ORDER BY updated_at DESC LIMIT 1`, ref)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product ref %s: %w", ref, storage.ErrNotFound)
	}
	return l, err
}

func (b *sqliteBackend) SetImage(ctx context.Context, id, path string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE listings SET image = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("sqlite: set image: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter storage.Filter) ([]*listing.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}

	if filter.Marketplace != "" {
		query += ` AND marketplace = ?`
		args = append(args, string(filter.Marketplace))
	}
	if c := strings.ToLower(strings.TrimSpace(filter.Category)); c != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(listings.categories) WHERE json_each.value = ?)`
		args = append(args, c)
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		like := "%" + escapeLike(strings.ToLower(text)) + "%"
		query += ` AND (lower(title) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\')`
		args = append(args, like, like)
	}

	query += ` ORDER BY updated_at DESC, id ASC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	results := []*listing.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	return results, nil
}

func (b *sqliteBackend) GetImage(ctx context.Context, key string) (*listing.CachedImage, error) {
	var img listing.CachedImage
	var fetched int64
	err := b.db.QueryRowContext(ctx,
		`SELECT key, source_url, path, content_type, size, fetched_at, known_bad FROM cached_images WHERE key = ?`, key,
	).Scan(&img.Key, &img.SourceURL, &img.Path, &img.ContentType, &img.Size, &fetched, &img.KnownBad)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get image: %w", err)
	}
	img.FetchedAt = time.Unix(0, fetched).UTC()
	return &img, nil
}

func (b *sqliteBackend) PutImage(ctx context.Context, img *listing.CachedImage) error {
	_, err := b.db.ExecContext(ctx, `
	INSERT INTO cached_images (key, source_url, path, content_type, size, fetched_at, known_bad)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (key) DO UPDATE SET
		source_url = excluded.source_url,
		path = excluded.path,
		content_type = excluded.content_type,
		size = excluded.size,
		fetched_at = excluded.fetched_at,
		known_bad = excluded.known_bad
	`, img.Key, img.SourceURL, img.Path, img.ContentType, img.Size, img.FetchedAt.UnixNano(), img.KnownBad)
	if err != nil {
		return fmt.Errorf("sqlite: put image: %w", err)
	}
	return nil
}

func (b *sqliteBackend) DeleteImage(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM cached_images WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete image: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(s scanner) (*listing.Listing, error) {
	var (
		l                    listing.Listing
		price, moq, cats     sql.NullString
		marketplace          string
		rawDetail            []byte
		createdAt, updatedAt int64
	)
	err := s.Scan(&l.ID, &l.SourceURL, &l.Title, &l.Description, &l.Image, &l.RemoteImage,
		&price, &moq, &marketplace, &l.Store, &cats, &l.ProductRef, &rawDetail, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan: %w", err)
	}
	l.Marketplace = listing.Marketplace(marketplace)
	l.CreatedAt = time.Unix(0, createdAt).UTC()
	l.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if len(rawDetail) > 0 {
		l.RawDetail = rawDetail
	}
	if price.Valid {
		l.Price = &listing.PriceRange{}
		if err := json.Unmarshal([]byte(price.String), l.Price); err != nil {
			return nil, fmt.Errorf("sqlite: decode price: %w", err)
		}
	}
	if moq.Valid {
		l.MOQ = &listing.MOQ{}
		if err := json.Unmarshal([]byte(moq.String), l.MOQ); err != nil {
			return nil, fmt.Errorf("sqlite: decode moq: %w", err)
		}
	}
	if cats.Valid {
		if err := json.Unmarshal([]byte(cats.String), &l.Categories); err != nil {
			return nil, fmt.Errorf("sqlite: decode categories: %w", err)
		}
	}
	return &l, nil
}

func encodeOptional(l *listing.Listing) (price, moq, cats any, err error) {
	if l.Price != nil {
		b, err := json.Marshal(l.Price)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: encode price: %w", err)
		}
		price = string(b)
	}
	if l.MOQ != nil {
		b, err := json.Marshal(l.MOQ)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: encode moq: %w", err)
		}
		moq = string(b)
	}
	if len(l.Categories) > 0 {
		b, err := json.Marshal(l.Categories)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: encode categories: %w", err)
		}
		cats = string(b)
	}
	return price, moq, cats, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
