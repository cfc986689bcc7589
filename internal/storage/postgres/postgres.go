package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensure postgresBackend implements storage.Backend
var _ storage.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

// New migrates the schema and returns a Postgres-backed storage.Backend.
func New(ctx context.Context, dsn string, logger *slog.Logger) (storage.Backend, error) {
	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &postgresBackend{pool: pool}, nil
}

const listingColumns = `id, source_url, title, description, image, remote_image, price, moq, marketplace, store, categories, product_ref, raw_detail, created_at, updated_at`

// xmax is zero only for a freshly inserted tuple.
const upsertSQL = `
INSERT INTO listings (` + listingColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	image = EXCLUDED.image,
	remote_image = EXCLUDED.remote_image,
	price = EXCLUDED.price,
	moq = EXCLUDED.moq,
	marketplace = EXCLUDED.marketplace,
	store = EXCLUDED.store,
	categories = EXCLUDED.categories,
	product_ref = EXCLUDED.product_ref,
	raw_detail = EXCLUDED.raw_detail,
	updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0)
`

func (b *postgresBackend) Upsert(ctx context.Context, l *listing.Listing) (bool, error) {
	price, err := jsonOrNil(l.Price)
	if err != nil {
		return false, fmt.Errorf("postgres: encode price: %w", err)
	}
	moq, err := jsonOrNil(l.MOQ)
	if err != nil {
		return false, fmt.Errorf("postgres: encode moq: %w", err)
	}
	var rawDetail []byte
	if len(l.RawDetail) > 0 {
		rawDetail = l.RawDetail
	}

	var created bool
	err = b.pool.QueryRow(ctx, upsertSQL,
		l.ID, l.SourceURL, l.Title, l.Description, l.Image, l.RemoteImage,
		price, moq, string(l.Marketplace), l.Store, l.Categories, l.ProductRef, rawDetail,
		l.CreatedAt, l.UpdatedAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("postgres: upsert %s: %w", l.ID, err)
	}
	return created, nil
}

func (b *postgresBackend) Get(ctx context.Context, id string) (*listing.Listing, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return l, err
}

func (b *postgresBackend) GetByProductRef(ctx context.Context, ref string) (*listing.Listing, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty product ref: %w", storage.ErrNotFound)
	}
	row := b.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE product_ref = $1 ORDER BY updated_at DESC LIMIT 1`, ref)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product ref %s: %w", ref, storage.ErrNotFound)
	}
	return l, err
}

func (b *postgresBackend) SetImage(ctx context.Context, id, path string) error {
	tag, err := b.pool.Exec(ctx, `UPDATE listings SET image = $1 WHERE id = $2`, path, id)
	if err != nil {
		return fmt.Errorf("postgres: set image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter storage.Filter) ([]*listing.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}
	argID := 1

	if filter.Marketplace != "" {
		query += fmt.Sprintf(" AND marketplace = $%d", argID)
		args = append(args, string(filter.Marketplace))
		argID++
	}
	if c := strings.ToLower(strings.TrimSpace(filter.Category)); c != "" {
		query += fmt.Sprintf(" AND $%d = ANY(categories)", argID)
		args = append(args, c)
		argID++
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		query += fmt.Sprintf(` AND (title ILIKE $%d OR description ILIKE $%d)`, argID, argID)
		args = append(args, "%"+escapeLike(text)+"%")
		argID++
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argID)
		args = append(args, filter.Limit)
		argID++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argID)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
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
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	return results, nil
}

func (b *postgresBackend) GetImage(ctx context.Context, key string) (*listing.CachedImage, error) {
	var img listing.CachedImage
	err := b.pool.QueryRow(ctx,
		`SELECT key, source_url, path, content_type, size, fetched_at, known_bad FROM cached_images WHERE key = $1`, key,
	).Scan(&img.Key, &img.SourceURL, &img.Path, &img.ContentType, &img.Size, &img.FetchedAt, &img.KnownBad)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get image: %w", err)
	}
	img.FetchedAt = img.FetchedAt.UTC()
	return &img, nil
}

func (b *postgresBackend) PutImage(ctx context.Context, img *listing.CachedImage) error {
	_, err := b.pool.Exec(ctx, `
	INSERT INTO cached_images (key, source_url, path, content_type, size, fetched_at, known_bad)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (key) DO UPDATE SET
		source_url = EXCLUDED.source_url,
		path = EXCLUDED.path,
		content_type = EXCLUDED.content_type,
		size = EXCLUDED.size,
		fetched_at = EXCLUDED.fetched_at,
		known_bad = EXCLUDED.known_bad
	`, img.Key, img.SourceURL, img.Path, img.ContentType, img.Size, img.FetchedAt, img.KnownBad)
	if err != nil {
		return fmt.Errorf("postgres: put image: %w", err)
	}
	return nil
}

func (b *postgresBackend) DeleteImage(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM cached_images WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete image: %w", err)
	}
	return nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func scanListing(row pgx.Row) (*listing.Listing, error) {
	var (
		l           listing.Listing
		price, moq  []byte
		marketplace string
		rawDetail   []byte
	)
	err := row.Scan(&l.ID, &l.SourceURL, &l.Title, &l.Description, &l.Image, &l.RemoteImage,
		&price, &moq, &marketplace, &l.Store, &l.Categories, &l.ProductRef, &rawDetail, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan: %w", err)
	}
	l.Marketplace = listing.Marketplace(marketplace)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	if len(l.Categories) == 0 {
		l.Categories = nil
	}
	if len(rawDetail) > 0 {
		l.RawDetail = rawDetail
	}
	if len(price) > 0 {
		l.Price = &listing.PriceRange{}
		if err := json.Unmarshal(price, l.Price); err != nil {
			return nil, fmt.Errorf("postgres: decode price: %w", err)
		}
	}
	if len(moq) > 0 {
		l.MOQ = &listing.MOQ{}
		if err := json.Unmarshal(moq, l.MOQ); err != nil {
			return nil, fmt.Errorf("postgres: decode moq: %w", err)
		}
	}
	return &l, nil
}

func jsonOrNil(v any) (any, error) {
	switch t := v.(type) {
	case *listing.PriceRange:
		if t == nil {
			return nil, nil
		}
	case *listing.MOQ:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
