package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/models"
)

// Key layout: one JSON value per entry, plus a set of stream keys so Stats
// can split the counts without fetching every value.
const (
	redisRespPrefix = "cachegate:resp:"
	redisCredPrefix = "cachegate:cred:"
	redisStreamSet  = "cachegate:streams"
	redisLastWrite  = "cachegate:lastwrite"
)

// Redis is the redis store backend. Entries are stored without TTL; the
// cache is append/replace only.
type Redis struct {
	client *redis.Client
}

// OpenRedis builds the redis backend. The connection is established lazily
// on first use; Ping reports reachability.
func OpenRedis(cfg config.RedisConfig) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// GetResponse returns the entry for a request fingerprint.
func (r *Redis) GetResponse(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := r.client.Get(ctx, redisRespPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		CacheMisses.WithLabelValues("redis").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		StoreErrors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// PutResponse inserts or fully replaces the entry for its key. The value,
// the stream marker, and the last-write stamp go in one MULTI/EXEC.
func (r *Redis) PutResponse(ctx context.Context, entry *models.CacheEntry) error {
	e := *entry
	if e.WrittenAt.IsZero() {
		e.WrittenAt = time.Now().UTC()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("encode cache entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisRespPrefix+e.Key, data, 0)
		if e.IsStream {
			pipe.SAdd(ctx, redisStreamSet, e.Key)
		} else {
			pipe.SRem(ctx, redisStreamSet, e.Key)
		}
		pipe.Set(ctx, redisLastWrite, e.WrittenAt.Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// GetEndpoint returns the endpoint row for a credential digest.
func (r *Redis) GetEndpoint(ctx context.Context, digest string) (*models.CredentialEndpoint, error) {
	data, err := r.client.Get(ctx, redisCredPrefix+digest).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		StoreErrors.WithLabelValues("redis", "get_endpoint").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var ce models.CredentialEndpoint
	if err := json.Unmarshal(data, &ce); err != nil {
		StoreErrors.WithLabelValues("redis", "get_endpoint").Inc()
		return nil, fmt.Errorf("decode endpoint entry: %w", err)
	}
	return &ce, nil
}

// PutEndpoint inserts or replaces a credential's resolved endpoint.
func (r *Redis) PutEndpoint(ctx context.Context, digest string, baseURL *string) error {
	ce := models.CredentialEndpoint{
		Digest:    digest,
		BaseURL:   baseURL,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&ce)
	if err != nil {
		return fmt.Errorf("encode endpoint entry: %w", err)
	}

	if err := r.client.Set(ctx, redisCredPrefix+digest, data, 0).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "put_endpoint").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ListEndpoints returns every credential-endpoint row, newest first.
func (r *Redis) ListEndpoints(ctx context.Context) ([]models.CredentialEndpoint, error) {
	keys, err := r.scanKeys(ctx, redisCredPrefix+"*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	out := make([]models.CredentialEndpoint, 0, len(keys))
	for start := 0; start < len(keys); start += 256 {
		end := min(start+256, len(keys))
		vals, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var ce models.CredentialEndpoint
			if err := json.Unmarshal([]byte(s), &ce); err != nil {
				continue
			}
			out = append(out, ce)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Stats reports entry counts and the last write time.
func (r *Redis) Stats(ctx context.Context) (models.CacheStats, error) {
	var st models.CacheStats

	respKeys, err := r.scanKeys(ctx, redisRespPrefix+"*")
	if err != nil {
		return models.CacheStats{}, err
	}
	st.Entries = int64(len(respKeys))

	streams, err := r.client.SCard(ctx, redisStreamSet).Result()
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("redis scard: %w", err)
	}
	st.StreamEntries = streams

	credKeys, err := r.scanKeys(ctx, redisCredPrefix+"*")
	if err != nil {
		return models.CacheStats{}, err
	}
	st.Endpoints = int64(len(credKeys))

	last, err := r.client.Get(ctx, redisLastWrite).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.CacheStats{}, fmt.Errorf("redis get: %w", err)
	}
	if last != "" {
		if t, perr := time.Parse(time.RFC3339Nano, last); perr == nil {
			st.LastWrite = t
		}
	}

	return st, nil
}

// Clear removes all cached responses. Endpoint rows survive.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scanKeys(ctx, redisRespPrefix+"*")
	if err != nil {
		return err
	}
	keys = append(keys, redisStreamSet, redisLastWrite)
	return r.deleteKeys(ctx, keys)
}

// ClearEndpoints removes all credential-endpoint rows.
func (r *Redis) ClearEndpoints(ctx context.Context) error {
	keys, err := r.scanKeys(ctx, redisCredPrefix+"*")
	if err != nil {
		return err
	}
	return r.deleteKeys(ctx, keys)
}

// Ping verifies the redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (r *Redis) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += 256 {
		end := min(start+256, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}
