// Package usercache is a Redis read-through cache in front of the user
// resolver. Chat streams re-reference the same accounts constantly; caching
// the lookups keeps the Helix rate budget for the misses that matter.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/tmi-engine/telemetry"
	"github.com/onnwee/tmi-engine/tmi"
)

const keyPrefix = "chatuser:login:"

// store is the slice of the Redis API the cache uses. *redis.Client
// satisfies it; tests substitute a map-backed fake.
type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache wraps a resolver with a Redis layer. Redis failures degrade to the
// underlying resolver, never to a lookup error.
type Cache struct {
	redis store
	next  tmi.Resolver
	ttl   time.Duration
}

// New builds a cache over the given resolver. A non-positive ttl defaults
// to one hour.
func New(rdb *redis.Client, next tmi.Resolver, ttl time.Duration) *Cache {
	return newWithStore(rdb, next, ttl)
}

func newWithStore(s store, next tmi.Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{redis: s, next: next, ttl: ttl}
}

// UserByLogin returns the cached record when present, otherwise resolves and
// writes the result back with the configured TTL.
func (c *Cache) UserByLogin(ctx context.Context, login string) (tmi.UserRecord, error) {
	telemetry.IncCounter(telemetry.UserLookups)
	key := keyPrefix + login

	raw, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		var rec tmi.UserRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			telemetry.IncCounter(telemetry.UserCacheHits)
			return rec, nil
		}
		slog.Warn("corrupt user cache entry", slog.String("key", key))
	case errors.Is(err, redis.Nil):
		// miss
	default:
		slog.Warn("user cache read failed", slog.String("key", key), slog.Any("err", err))
	}

	rec, err := c.next.UserByLogin(ctx, login)
	if err != nil {
		return tmi.UserRecord{}, err
	}
	if buf, err := json.Marshal(rec); err == nil {
		if err := c.redis.Set(ctx, key, buf, c.ttl).Err(); err != nil {
			slog.Warn("user cache write failed", slog.String("key", key), slog.Any("err", err))
		}
	}
	return rec, nil
}
