/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/errandhq/errand/config"
	redis_db "github.com/errandhq/errand/internal/redis-db"
)

// Cache interface provides the basic operations for a cache system.
// A miss is not an error: Get leaves data untouched and returns nil.
type Cache interface {
	// Set stores a value under key for ttl.
	// Parameters:
	// - ctx: The context for the Redis round trip.
	// - key: The cache key, e.g. a push template key.
	// - value: The value to store; it is msgpack encoded.
	// - ttl: How long Redis keeps the value.
	// Returns an error if the value cannot be encoded or written.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get loads the value stored under key into data.
	// Parameters:
	// - ctx: The context for the Redis round trip.
	// - key: The cache key to read.
	// - data: A pointer that receives the decoded value.
	// Returns nil on a miss, leaving data untouched, and an error only when Redis or decoding fails.
	Get(ctx context.Context, key string, data interface{}) error

	// Delete drops key from both the local and the Redis tier.
	// Parameters:
	// - ctx: The context for the Redis round trip.
	// - key: The cache key to drop.
	// Returns nil when the key was already gone.
	Delete(ctx context.Context, key string) error
}

// RedisCache implements Cache with a local TinyLFU tier in front of Redis.
// Entries stay in the local tier for a minute, so a write on one node may be
// seen late by another.
type RedisCache struct {
	cache *cache.Cache
}

// NewCache creates a new instance of RedisCache from the loaded configuration.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	client, err := redis_db.NewRedisClientFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewCacheWithClient(client.Client()), nil
}

// cacheSize defines the size of the local cache (in number of entries) used alongside Redis.
const cacheSize = 10000

// NewCacheWithClient builds a RedisCache over an existing client.
//
// Parameters:
// - client redis.UniversalClient: The Redis client backing the shared tier.
//
// Returns:
// - *RedisCache: The cache with its local tier sized to cacheSize entries.
func NewCacheWithClient(client redis.UniversalClient) *RedisCache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, 1*time.Minute),
	})
	return &RedisCache{cache: c}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
