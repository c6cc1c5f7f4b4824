// redis.go implements the optional secondary mapping store. When several
// worker processes share one gateway instance, Redis is the cross-process
// source of resolutions; a hit backfills SQLite and the local cache.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// mappingTTL keeps shared resolutions around long enough for every worker
// to pick them up without growing the keyspace forever.
const mappingTTL = 30 * 24 * time.Hour

// RedisStore shares identity mappings across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr. Returns an error when the
// server is unreachable so misconfiguration fails at startup, not mid-turn.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("identity: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func mappingKey(scope, handle string) string {
	return "oliver:lid:" + scope + ":" + handle
}

// Lookup returns the shared mapping for (scope, handle) or ErrNotFound.
func (r *RedisStore) Lookup(ctx context.Context, scope, handle string) (*Mapping, error) {
	fields, err := r.client.HGetAll(ctx, mappingKey(scope, handle)).Result()
	if err != nil {
		return nil, fmt.Errorf("identity: redis lookup: %w", err)
	}
	if len(fields) == 0 || fields["address"] == "" {
		return nil, ErrNotFound
	}
	return &Mapping{
		Scope:       scope,
		Handle:      handle,
		Address:     fields["address"],
		DisplayName: fields["display_name"],
		Method:      fields["method"],
	}, nil
}

// Save writes the mapping unless Redis already holds a higher-confidence
// one for the same handle.
func (r *RedisStore) Save(ctx context.Context, m Mapping) error {
	key := mappingKey(m.Scope, m.Handle)

	existing, err := r.client.HGet(ctx, key, "method").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("identity: redis check existing: %w", err)
	}
	if err == nil && rank(m.Method) < rank(existing) {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"address":      m.Address,
		"display_name": m.DisplayName,
		"method":       m.Method,
	})
	pipe.Expire(ctx, key, mappingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("identity: redis save: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
