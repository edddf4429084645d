package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/market-feed/internal/model"
)

// RedisKV implements KV on a Redis client.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps rdb.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// CachedStore wraps a primary FolderStore (PostgreSQL) with a read-through
// cache. Writes go to the primary and invalidate the cache; reads check the
// cache first then fall back to the primary.
type CachedStore struct {
	primary FolderStore
	cache   KV
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. ttl is
// applied when the cache is a RedisKV.
func NewCachedStore(primary FolderStore, cache KV, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, cache: cache, ttl: ttl}
}

func (s *CachedStore) LoadFolders(ctx context.Context, kind model.FolderKind) ([]model.FolderRecord, error) {
	// Try cache.
	if data, err := s.cache.Get(ctx, cacheKey(kind)); err == nil {
		var records []model.FolderRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	// Cache miss: read from primary.
	records, err := s.primary.LoadFolders(ctx, kind)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, kind, records)
	return records, nil
}

func (s *CachedStore) SaveFolders(ctx context.Context, kind model.FolderKind, records []model.FolderRecord) error {
	if err := s.primary.SaveFolders(ctx, kind, records); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	if err := s.cache.Delete(ctx, cacheKey(kind)); err != nil {
		slog.Warn("folder cache invalidation failed", "kind", kind, "err", err)
	}
	return nil
}

func (s *CachedStore) fill(ctx context.Context, kind model.FolderKind, records []model.FolderRecord) {
	data, err := json.Marshal(records)
	if err != nil {
		return
	}
	if r, ok := s.cache.(*RedisKV); ok && s.ttl > 0 {
		err = r.rdb.Set(ctx, cacheKey(kind), data, s.ttl).Err()
	} else {
		err = s.cache.Set(ctx, cacheKey(kind), data)
	}
	if err != nil {
		slog.Warn("folder cache fill failed", "kind", kind, "err", err)
	}
}

func cacheKey(kind model.FolderKind) string { return fmt.Sprintf("cache:folders:%s", kind) }
