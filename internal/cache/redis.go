package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

const keyPrefix = "reelfeed:"

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = errors.New("cache is disabled")
	// ErrCacheMiss is returned by Get when the key does not exist
	ErrCacheMiss = errors.New("cache miss")
)

// Cache wraps Redis client. All keys are namespaced under "reelfeed:".
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache client. It returns a nil Cache when Redis is
// disabled; every method treats a nil Cache as disabled.
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis connection established")

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// HashKey builds a fixed-length key from arbitrary parts.
func HashKey(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) namespaceKey(key string) string {
	return keyPrefix + key
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

// Get retrieves a value from cache
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	if !c.enabled() {
		return "", ErrCacheDisabled
	}
	val, err := c.client.Get(ctx, c.namespaceKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

// Set sets a value in cache with TTL. A zero TTL keeps the key forever.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.Set(ctx, c.namespaceKey(key), value, ttl).Err()
}

// GetJSON decodes a JSON value stored with SetJSON.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// SetJSON stores v as JSON.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// Delete removes a key from cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.Del(ctx, c.namespaceKey(key)).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if !c.enabled() {
		return false, ErrCacheDisabled
	}
	count, err := c.client.Exists(ctx, c.namespaceKey(key)).Result()
	return count > 0, err
}

// LexAdd adds members to a sorted set ordered lexically (all scores zero).
func (c *Cache) LexAdd(ctx context.Context, key string, members ...string) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	zs := make([]*redis.Z, len(members))
	for i, m := range members {
		zs[i] = &redis.Z{Score: 0, Member: m}
	}
	return c.client.ZAdd(ctx, c.namespaceKey(key), zs...).Err()
}

// LexRemove removes members from a lexical sorted set.
func (c *Cache) LexRemove(ctx context.Context, key string, members ...string) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return c.client.ZRem(ctx, c.namespaceKey(key), vals...).Err()
}

// LexRangeDesc returns up to limit members strictly below before, highest
// first. An empty before starts from the top of the set.
func (c *Cache) LexRangeDesc(ctx context.Context, key, before string, limit int) ([]string, error) {
	if !c.enabled() {
		return nil, ErrCacheDisabled
	}
	max := "+"
	if before != "" {
		max = "(" + before
	}
	return c.client.ZRevRangeByLex(ctx, c.namespaceKey(key), &redis.ZRangeBy{
		Max:   max,
		Min:   "-",
		Count: int64(limit),
	}).Result()
}

// LexTrim keeps only the keep highest members of a lexical sorted set.
func (c *Cache) LexTrim(ctx context.Context, key string, keep int) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.ZRemRangeByRank(ctx, c.namespaceKey(key), 0, int64(-keep-1)).Err()
}

// LexCard returns the size of a sorted set.
func (c *Cache) LexCard(ctx context.Context, key string) (int64, error) {
	if !c.enabled() {
		return 0, ErrCacheDisabled
	}
	return c.client.ZCard(ctx, c.namespaceKey(key)).Result()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if !c.enabled() {
		return nil
	}
	return c.client.Close()
}

// Health checks Redis health
func (c *Cache) Health(ctx context.Context) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}
