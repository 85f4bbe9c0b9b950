package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cachegate-ai/cachegate/pkg/models"
)

// SQLite is the default store backend. The database/sql pool hands each
// call its own scoped connection; no connection is held across requests.
type SQLite struct {
	db *sql.DB
}

const createStoreTables = `
CREATE TABLE IF NOT EXISTS cache (
	hashed_key TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	is_stream BOOLEAN NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS token_endpoints (
	token_hash TEXT PRIMARY KEY,
	base_url TEXT,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// OpenSQLite opens (and if needed creates) the store at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(createStoreTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLite{db: db}, nil
}

// GetResponse returns the entry for a request fingerprint.
func (s *SQLite) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	var (
		e     models.CacheEntry
		value string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hashed_key, key, value, is_stream, timestamp FROM cache WHERE hashed_key = ?`,
		key,
	).Scan(&e.Key, &e.RawRequest, &value, &e.IsStream, &e.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		CacheMisses.WithLabelValues("sqlite").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "get").Inc()
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	e.Value = []byte(value)
	CacheHits.WithLabelValues("sqlite").Inc()
	return &e, nil
}

// PutResponse inserts or fully replaces the entry for its key.
func (s *SQLite) PutResponse(ctx context.Context, entry *models.CacheEntry) error {
	writtenAt := entry.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache (hashed_key, key, value, is_stream, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Key, entry.RawRequest, string(entry.Value), entry.IsStream, writtenAt,
	)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// GetEndpoint returns the endpoint row for a credential digest.
func (s *SQLite) GetEndpoint(ctx context.Context, digest string) (*models.CredentialEndpoint, error) {
	var (
		ce      models.CredentialEndpoint
		baseURL sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, base_url, updated_at FROM token_endpoints WHERE token_hash = ?`,
		digest,
	).Scan(&ce.Digest, &baseURL, &ce.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "get_endpoint").Inc()
		return nil, fmt.Errorf("endpoint lookup: %w", err)
	}

	if baseURL.Valid {
		ce.BaseURL = &baseURL.String
	}
	return &ce, nil
}

// PutEndpoint inserts or replaces a credential's resolved endpoint.
func (s *SQLite) PutEndpoint(ctx context.Context, digest string, baseURL *string) error {
	var url sql.NullString
	if baseURL != nil {
		url = sql.NullString{String: *baseURL, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO token_endpoints (token_hash, base_url, updated_at)
		 VALUES (?, ?, ?)`,
		digest, url, time.Now().UTC(),
	)
	if err != nil {
		StoreErrors.WithLabelValues("sqlite", "put_endpoint").Inc()
		return fmt.Errorf("endpoint put: %w", err)
	}
	return nil
}

// ListEndpoints returns every credential-endpoint row, newest first.
func (s *SQLite) ListEndpoints(ctx context.Context) ([]models.CredentialEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash, base_url, updated_at FROM token_endpoints ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("endpoint list: %w", err)
	}
	defer rows.Close()

	var out []models.CredentialEndpoint
	for rows.Next() {
		var (
			ce      models.CredentialEndpoint
			baseURL sql.NullString
		)
		if err := rows.Scan(&ce.Digest, &baseURL, &ce.UpdatedAt); err != nil {
			return nil, fmt.Errorf("endpoint list scan: %w", err)
		}
		if baseURL.Valid {
			ce.BaseURL = &baseURL.String
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// Stats reports entry counts and the last write time.
func (s *SQLite) Stats(ctx context.Context) (models.CacheStats, error) {
	var st models.CacheStats

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_stream), 0) FROM cache`,
	).Scan(&st.Entries, &st.StreamEntries)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_endpoints`).Scan(&st.Endpoints); err != nil {
		return models.CacheStats{}, fmt.Errorf("endpoint stats: %w", err)
	}

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM cache`).Scan(&last); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	if last.Valid {
		st.LastWrite = last.Time
	}

	return st, nil
}

// Clear removes all cached responses. Endpoint rows survive.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// ClearEndpoints removes all credential-endpoint rows.
func (s *SQLite) ClearEndpoints(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM token_endpoints`); err != nil {
		return fmt.Errorf("endpoint clear: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
