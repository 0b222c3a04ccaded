package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inventory-tracker/internal/inventory"

	"github.com/redis/go-redis/v9"
)

const (
	itemKeyPrefix = "inventory:item:"
	DefaultTTL    = 30 * time.Second
)

// storeIfNewerScript only replaces a snapshot with a strictly newer version,
// so a late writer can never roll the cache back.
var storeIfNewerScript = redis.NewScript(`
local key = KEYS[1]
local version = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', key, ARGV[3])
return 1
`)

// RedisCache holds the latest committed snapshot of each item.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Put stores item unless a snapshot with the same or a newer version exists.
// It reports whether the snapshot was written.
func (c *RedisCache) Put(ctx context.Context, item inventory.Item) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal item: %w", err)
	}

	stored, err := storeIfNewerScript.Run(ctx, c.client,
		[]string{itemKeyPrefix + item.ProductID},
		item.Version, payload, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("store item %q: %w", item.ProductID, err)
	}
	return stored == 1, nil
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, productID string) (inventory.Item, bool, error) {
	raw, err := c.client.HGet(ctx, itemKeyPrefix+productID, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return inventory.Item{}, false, nil
	}
	if err != nil {
		return inventory.Item{}, false, fmt.Errorf("get item %q: %w", productID, err)
	}

	var item inventory.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return inventory.Item{}, false, fmt.Errorf("unmarshal item %q: %w", productID, err)
	}
	return item, true, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, itemKeyPrefix+productID).Err()
}
