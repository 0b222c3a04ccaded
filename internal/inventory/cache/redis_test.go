package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"inventory-tracker/internal/inventory"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCache_PutAndGet(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	c := NewRedis(client, time.Minute)

	_ = c.Invalidate(ctx, "test-sku")
	t.Cleanup(func() { _ = c.Invalidate(ctx, "test-sku") })

	if _, ok, err := c.Get(ctx, "test-sku"); err != nil || ok {
		t.Fatalf("want miss, got ok=%v err=%v", ok, err)
	}

	item := inventory.Item{ProductID: "test-sku", ProductName: "Widget", Quantity: 10, Version: 1, LastUpdated: time.Now().UTC()}
	stored, err := c.Put(ctx, item)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !stored {
		t.Fatal("expected first snapshot to be stored")
	}

	got, ok, err := c.Get(ctx, "test-sku")
	if err != nil || !ok {
		t.Fatalf("want hit, got ok=%v err=%v", ok, err)
	}
	if got.Quantity != 10 || got.Version != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestRedisCache_IgnoresOlderVersions(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	c := NewRedis(client, time.Minute)

	_ = c.Invalidate(ctx, "test-sku-order")
	t.Cleanup(func() { _ = c.Invalidate(ctx, "test-sku-order") })

	newer := inventory.Item{ProductID: "test-sku-order", Quantity: 15, Version: 2}
	older := inventory.Item{ProductID: "test-sku-order", Quantity: 10, Version: 1}

	if _, err := c.Put(ctx, newer); err != nil {
		t.Fatalf("put newer: %v", err)
	}
	stored, err := c.Put(ctx, older)
	if err != nil {
		t.Fatalf("put older: %v", err)
	}
	if stored {
		t.Fatal("older snapshot overwrote newer one")
	}

	got, _, _ := c.Get(ctx, "test-sku-order")
	if got.Version != 2 || got.Quantity != 15 {
		t.Fatalf("want version 2 quantity 15, got %+v", got)
	}
}
