// Package store persists cached responses and credential-endpoint
// mappings. All backends share one contract: a miss is ErrNotFound, any
// other error means the store is unavailable, and writes are atomic per
// key with the last writer winning.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/models"
)

// ErrNotFound indicates the requested key has no entry. Callers treat it
// as a cache miss; it is never wrapped around an underlying store failure.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by all backends.
type Store interface {
	// GetResponse returns the entry for a request fingerprint.
	GetResponse(ctx context.Context, key string) (*models.CacheEntry, error)

	// PutResponse inserts or fully replaces the entry for its key.
	PutResponse(ctx context.Context, entry *models.CacheEntry) error

	// GetEndpoint returns the endpoint row for a credential digest.
	GetEndpoint(ctx context.Context, digest string) (*models.CredentialEndpoint, error)

	// PutEndpoint inserts or replaces a credential's endpoint. A nil
	// baseURL records "use the default upstream".
	PutEndpoint(ctx context.Context, digest string, baseURL *string) error

	// ListEndpoints returns every credential-endpoint row, newest first.
	ListEndpoints(ctx context.Context) ([]models.CredentialEndpoint, error)

	Stats(ctx context.Context) (models.CacheStats, error)
	Clear(ctx context.Context) error
	ClearEndpoints(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by the configuration.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Cache.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.DBPath)
	case "redis":
		return OpenRedis(cfg.Cache.Redis), nil
	case "postgres":
		return OpenPostgres(ctx, cfg.Cache.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
