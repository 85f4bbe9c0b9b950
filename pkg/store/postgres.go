package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// Postgres is the postgres store backend, pooled via pgxpool. Each call
// checks a connection out of the pool and returns it; nothing is held
// across requests.
type Postgres struct {
	pool *pgxpool.Pool
}

const createPostgresTables = `
CREATE TABLE IF NOT EXISTS cache (
	hashed_key TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	is_stream BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS token_endpoints (
	token_hash TEXT PRIMARY KEY,
	base_url TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// OpenPostgres connects the pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if _, err := pool.Exec(ctx, createPostgresTables); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// GetResponse returns the entry for a request fingerprint.
func (p *Postgres) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	var (
		e     models.CacheEntry
		value string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT hashed_key, key, value, is_stream, timestamp FROM cache WHERE hashed_key = $1`,
		key,
	).Scan(&e.Key, &e.RawRequest, &value, &e.IsStream, &e.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		CacheMisses.WithLabelValues("postgres").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("postgres", "get").Inc()
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	e.Value = []byte(value)
	CacheHits.WithLabelValues("postgres").Inc()
	return &e, nil
}

// PutResponse inserts or fully replaces the entry for its key.
func (p *Postgres) PutResponse(ctx context.Context, entry *models.CacheEntry) error {
	writtenAt := entry.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO cache (hashed_key, key, value, is_stream, timestamp)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hashed_key) DO UPDATE
		 SET key = EXCLUDED.key, value = EXCLUDED.value,
		     is_stream = EXCLUDED.is_stream, timestamp = EXCLUDED.timestamp`,
		entry.Key, entry.RawRequest, string(entry.Value), entry.IsStream, writtenAt,
	)
	if err != nil {
		StoreErrors.WithLabelValues("postgres", "put").Inc()
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// GetEndpoint returns the endpoint row for a credential digest.
func (p *Postgres) GetEndpoint(ctx context.Context, digest string) (*models.CredentialEndpoint, error) {
	var ce models.CredentialEndpoint
	err := p.pool.QueryRow(ctx,
		`SELECT token_hash, base_url, updated_at FROM token_endpoints WHERE token_hash = $1`,
		digest,
	).Scan(&ce.Digest, &ce.BaseURL, &ce.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("postgres", "get_endpoint").Inc()
		return nil, fmt.Errorf("endpoint lookup: %w", err)
	}
	return &ce, nil
}

// PutEndpoint inserts or replaces a credential's resolved endpoint.
func (p *Postgres) PutEndpoint(ctx context.Context, digest string, baseURL *string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO token_endpoints (token_hash, base_url, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (token_hash) DO UPDATE
		 SET base_url = EXCLUDED.base_url, updated_at = EXCLUDED.updated_at`,
		digest, baseURL, time.Now().UTC(),
	)
	if err != nil {
		StoreErrors.WithLabelValues("postgres", "put_endpoint").Inc()
		return fmt.Errorf("endpoint put: %w", err)
	}
	return nil
}

// ListEndpoints returns every credential-endpoint row, newest first.
func (p *Postgres) ListEndpoints(ctx context.Context) ([]models.CredentialEndpoint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT token_hash, base_url, updated_at FROM token_endpoints ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("endpoint list: %w", err)
	}
	defer rows.Close()

	var out []models.CredentialEndpoint
	for rows.Next() {
		var ce models.CredentialEndpoint
		if err := rows.Scan(&ce.Digest, &ce.BaseURL, &ce.UpdatedAt); err != nil {
			return nil, fmt.Errorf("endpoint list scan: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// Stats reports entry counts and the last write time.
func (p *Postgres) Stats(ctx context.Context) (models.CacheStats, error) {
	var st models.CacheStats

	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_stream), COALESCE(MAX(timestamp), 'epoch'::timestamptz) FROM cache`,
	).Scan(&st.Entries, &st.StreamEntries, &st.LastWrite)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if st.LastWrite.Unix() == 0 {
		st.LastWrite = time.Time{}
	}

	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM token_endpoints`).Scan(&st.Endpoints); err != nil {
		return models.CacheStats{}, fmt.Errorf("endpoint stats: %w", err)
	}

	return st, nil
}

// Clear removes all cached responses. Endpoint rows survive.
func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// ClearEndpoints removes all credential-endpoint rows.
func (p *Postgres) ClearEndpoints(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM token_endpoints`); err != nil {
		return fmt.Errorf("endpoint clear: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
