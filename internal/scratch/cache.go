// cache.go implements the optional Redis read-through cache for scratch-key
// resolution. Resolution runs on every classify call from the coding tools,
// which makes it the hottest read path in the system.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classml/classml/internal/db/models"
)

// KeyCache is the cache surface the binder uses. Implemented by redisCache;
// a nil cache disables caching entirely.
type KeyCache interface {
	Get(ctx context.Context, keyID string) (*models.ScratchKey, bool)
	Set(ctx context.Context, key *models.ScratchKey)
	Invalidate(ctx context.Context, keyIDs ...string)
}

// redisCache caches scratch keys as JSON under a short TTL. Cache failures
// are invisible to callers; the database remains the source of truth.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a scratch-key cache on the given Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) KeyCache {
	return &redisCache{client: client, ttl: ttl}
}

func cacheKey(keyID string) string {
	return "scratchkey:" + keyID
}

func (c *redisCache) Get(ctx context.Context, keyID string) (*models.ScratchKey, bool) {
	data, err := c.client.Get(ctx, cacheKey(keyID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			// Treat a broken cache as a miss.
			return nil, false
		}
		return nil, false
	}

	var key models.ScratchKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, false
	}
	return &key, true
}

func (c *redisCache) Set(ctx context.Context, key *models.ScratchKey) {
	data, err := json.Marshal(key)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(key.ID), data, c.ttl)
}

func (c *redisCache) Invalidate(ctx context.Context, keyIDs ...string) {
	if len(keyIDs) == 0 {
		return
	}
	keys := make([]string, len(keyIDs))
	for i, id := range keyIDs {
		keys[i] = cacheKey(id)
	}
	c.client.Del(ctx, keys...)
}
