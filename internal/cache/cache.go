// Package cache provides a Redis-backed search result cache keyed by a
// fingerprint of the query. Cache failures never propagate: every error is
// swallowed, logged, and treated as a miss.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix namespaces all search cache keys.
	KeyPrefix = "search"

	// opTimeout bounds every cache operation so a slow Redis cannot stall
	// retrieval.
	opTimeout = 100 * time.Millisecond

	// DefaultTTL is how long entries live.
	DefaultTTL = time.Hour

	// DefaultMaxResults caps how many results one key stores.
	DefaultMaxResults = 100
)

// Config holds cache settings.
type Config struct {
	Enabled    bool
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	CacheEmpty bool
	MaxResults int
}

// Stats reports cache state for the admin surface.
type Stats struct {
	Enabled bool          `json:"enabled"`
	Keys    int64         `json:"keys"`
	TTL     time.Duration `json:"ttl"`
}

// SearchCache caches search results in Redis. A disabled or unreachable
// cache degrades to a pass-through: Get always misses, Set is a no-op.
type SearchCache struct {
	client     *redis.Client
	logger     *slog.Logger
	ttl        time.Duration
	cacheEmpty bool
	maxResults int
	enabled    bool
}

// New connects to Redis. When the cache is disabled or the server is
// unreachable, a pass-through cache is returned rather than an error.
func New(cfg Config, logger *slog.Logger) *SearchCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &SearchCache{
		logger:     logger,
		ttl:        cfg.TTL,
		cacheEmpty: cfg.CacheEmpty,
		maxResults: cfg.MaxResults,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.maxResults <= 0 {
		c.maxResults = DefaultMaxResults
	}

	if !cfg.Enabled {
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("search cache unreachable, running without cache",
			slog.String("addr", cfg.Addr),
			slog.String("error", err.Error()))
		_ = client.Close()
		return c
	}

	c.client = client
	c.enabled = true
	return c
}

// Enabled reports whether the cache is live.
func (c *SearchCache) Enabled() bool {
	return c.enabled
}

// Close releases the Redis connection.
func (c *SearchCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Key identifies one cached search.
type Key struct {
	KBID    string
	Query   string
	Config  map[string]any
	Filters map[string]any
}

// Fingerprint hashes the key fields into a stable hex digest. The query is
// lowercased and trimmed; JSON map keys marshal in sorted order, so equal
// inputs always produce equal digests.
func Fingerprint(k Key) string {
	canonical := map[string]any{
		"kb_id":   k.KBID,
		"query":   strings.ToLower(strings.TrimSpace(k.Query)),
		"config":  k.Config,
		"filters": k.Filters,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(k.KBID + "\x00" + k.Query)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (c *SearchCache) redisKey(k Key) string {
	return KeyPrefix + ":" + k.KBID + ":" + Fingerprint(k)
}

func (c *SearchCache) kbPattern(kbID string) string {
	return KeyPrefix + ":" + kbID + ":*"
}

// Get loads cached results into dest. Returns false on miss, disabled cache,
// or any error.
func (c *SearchCache) Get(ctx context.Context, k Key, dest any) bool {
	if !c.enabled {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.redisKey(k)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache entry corrupted, dropping",
			slog.String("key", c.redisKey(k)))
		c.client.Del(context.Background(), c.redisKey(k))
		return false
	}
	return true
}

// Set stores results under the key. Result slices longer than MaxResults are
// truncated; empty slices are stored only when CacheEmpty is set.
func (c *SearchCache) Set(ctx context.Context, k Key, results any) {
	if !c.enabled {
		return
	}

	if v := reflect.ValueOf(results); v.Kind() == reflect.Slice {
		if v.Len() == 0 && !c.cacheEmpty {
			return
		}
		if v.Len() > c.maxResults {
			results = v.Slice(0, c.maxResults).Interface()
		}
	}

	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn("cache set failed to encode", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, c.redisKey(k), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", slog.String("error", err.Error()))
	}
}

// Delete removes one cached entry.
func (c *SearchCache) Delete(ctx context.Context, k Key) {
	if !c.enabled {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Del(ctx, c.redisKey(k)).Err(); err != nil {
		c.logger.Warn("cache delete failed", slog.String("error", err.Error()))
	}
}

// InvalidateKB removes every cached search for a knowledge base by scanning
// the KB's key prefix. Returns how many keys were removed.
func (c *SearchCache) InvalidateKB(ctx context.Context, kbID string) int {
	if !c.enabled {
		return 0
	}
	// Scans may legitimately exceed the per-op budget; allow a few rounds.
	ctx, cancel := context.WithTimeout(ctx, 10*opTimeout)
	defer cancel()

	var removed int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.kbPattern(kbID), 100).Result()
		if err != nil {
			c.logger.Warn("cache invalidation scan failed",
				slog.String("kb_id", kbID),
				slog.String("error", err.Error()))
			return removed
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache invalidation delete failed",
					slog.String("error", err.Error()))
				return removed
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		c.logger.Debug("invalidated kb cache",
			slog.String("kb_id", kbID),
			slog.Int("keys", removed))
	}
	return removed
}

// ClearAll removes every search cache key.
func (c *SearchCache) ClearAll(ctx context.Context) int {
	if !c.enabled {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 10*opTimeout)
	defer cancel()

	var removed int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, KeyPrefix+":*", 100).Result()
		if err != nil {
			c.logger.Warn("cache clear scan failed", slog.String("error", err.Error()))
			return removed
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("cache clear delete failed", slog.String("error", err.Error()))
				return removed
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed
}

// Stats counts live search cache keys.
func (c *SearchCache) Stats(ctx context.Context) Stats {
	stats := Stats{Enabled: c.enabled, TTL: c.ttl}
	if !c.enabled {
		return stats
	}
	ctx, cancel := context.WithTimeout(ctx, 10*opTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, KeyPrefix+":*", 100).Result()
		if err != nil {
			c.logger.Warn("cache stats scan failed", slog.String("error", err.Error()))
			return stats
		}
		stats.Keys += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats
}
