// Package cache is a namespaced TTL cache over the shared store. Expiry
// is enforced by the store itself; the envelope written around every
// value records when and with what TTL it was stored so staleness can be
// reported without trusting the clock that wrote it.
//
// Cache unavailability degrades functionality, it never propagates: every
// store error is converted into a benign negative result plus a logged
// diagnostic, so callers never handle transport failures for cache
// operations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/keys"
)

// Entry is the stored envelope around a caller-supplied value.
type Entry struct {
	Value      json.RawMessage `json:"v"`
	StoredAt   time.Time       `json:"stored_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

type Cache struct {
	rdb        *redis.Client
	keys       keys.Layout
	defaultTTL time.Duration
	log        *zap.Logger

	now func() time.Time
}

func New(rdb *redis.Client, layout keys.Layout, defaultTTL time.Duration, log *zap.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, keys: layout, defaultTTL: defaultTTL, log: log, now: time.Now}
}

// Set stores value under key for ttl (the configured default when ttl is
// non-positive). False means the write did not happen.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) bool {
	ttl = c.effectiveTTL(ttl)
	data, ok := c.envelope(key, value, ttl)
	if !ok {
		return false
	}
	if err := c.rdb.Set(ctx, c.keys.Cache(key), data, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Get returns the cached value, or (nil, false) when the key is absent,
// expired or unreadable.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.GetEntry(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get with the envelope metadata exposed.
func (c *Cache) GetEntry(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.rdb.Get(ctx, c.keys.Cache(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.Warn("dropping malformed cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &entry, true
}

// Delete removes key; true means an entry was actually removed.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	n, err := c.rdb.Del(ctx, c.keys.Cache(key)).Result()
	if err != nil {
		c.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, c.keys.Cache(key)).Result()
	if err != nil {
		c.log.Warn("cache exists failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

// SetMultiple writes every entry in one batched round-trip.
func (c *Cache) SetMultiple(ctx context.Context, values map[string]json.RawMessage, ttl time.Duration) bool {
	if len(values) == 0 {
		return true
	}
	ttl = c.effectiveTTL(ttl)
	pipe := c.rdb.TxPipeline()
	for key, value := range values {
		data, ok := c.envelope(key, value, ttl)
		if !ok {
			return false
		}
		pipe.Set(ctx, c.keys.Cache(key), data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("cache multi-set failed", zap.Int("count", len(values)), zap.Error(err))
		return false
	}
	return true
}

// GetMultiple fetches all keys in one round-trip; missing or unreadable
// keys are simply absent from the result.
func (c *Cache) GetMultiple(ctx context.Context, cacheKeys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(cacheKeys))
	if len(cacheKeys) == 0 {
		return out
	}
	full := make([]string, len(cacheKeys))
	for i, k := range cacheKeys {
		full[i] = c.keys.Cache(k)
	}
	vals, err := c.rdb.MGet(ctx, full...).Result()
	if err != nil {
		c.log.Warn("cache multi-get failed", zap.Int("count", len(cacheKeys)), zap.Error(err))
		return out
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			c.log.Warn("dropping malformed cache entry", zap.String("key", cacheKeys[i]), zap.Error(err))
			continue
		}
		out[cacheKeys[i]] = entry.Value
	}
	return out
}

// Increment atomically adds amount to a counter key and refreshes its TTL
// on every call, so a counter that keeps being touched keeps its expiry
// sliding forward. Counters are stored raw, not enveloped. Returns the
// new value, or 0 when the store is unavailable.
func (c *Cache) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) int64 {
	ttl = c.effectiveTTL(ttl)
	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, c.keys.Cache(key), amount)
	pipe.Expire(ctx, c.keys.Cache(key), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("cache increment failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	return incr.Val()
}

// Clear removes every key in the cache namespace and returns how many
// were deleted.
func (c *Cache) Clear(ctx context.Context) int64 {
	var deleted int64
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, c.keys.CachePattern(), 100).Result()
		if err != nil {
			c.log.Warn("cache clear scan failed", zap.Error(err))
			return deleted
		}
		if len(batch) > 0 {
			n, err := c.rdb.Del(ctx, batch...).Result()
			if err != nil {
				c.log.Warn("cache clear delete failed", zap.Error(err))
				return deleted
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

func (c *Cache) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) envelope(key string, value json.RawMessage, ttl time.Duration) ([]byte, bool) {
	data, err := json.Marshal(Entry{
		Value:      value,
		StoredAt:   c.now().UTC(),
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		c.log.Warn("cache envelope marshal failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return data, true
}
