package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c := NewLRUCache(10)
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Minute)

		val, _ := c.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(2 * time.Minute)

		val, _ = c.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("ProcessedHints", func(t *testing.T) {
		ok, err := cache.IsProcessed(ctx, "tx-001")
		if err != nil {
			t.Fatalf("IsProcessed failed: %v", err)
		}
		if ok {
			t.Error("expected unmarked transaction to be unprocessed")
		}

		if err := cache.MarkProcessed(ctx, "tx-001", time.Minute); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}

		ok, _ = cache.IsProcessed(ctx, "tx-001")
		if !ok {
			t.Error("expected marked transaction to be processed")
		}

		// Hints live in their own key space.
		val, _ := cache.Get(ctx, "tx-001")
		if val != nil {
			t.Error("expected processed hint not to collide with plain keys")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("RemoteHitPopulatesLocal", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		_ = remote.Set(ctx, "k", []byte("v"), time.Hour)

		val, err := c.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", string(val))
		}

		if val, _ := local.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected L2 hit to populate L1")
		}
	})

	t.Run("ProcessedHintsReachBothTiers", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		if err := c.MarkProcessed(ctx, "tx-1", time.Hour); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if ok, _ := local.IsProcessed(ctx, "tx-1"); !ok {
			t.Error("expected L1 hint")
		}
		if ok, _ := remote.IsProcessed(ctx, "tx-1"); !ok {
			t.Error("expected L2 hint")
		}
	})

	t.Run("RemoteOnlyHint", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, time.Minute)

		_ = remote.MarkProcessed(ctx, "tx-2", time.Hour)

		ok, err := c.IsProcessed(ctx, "tx-2")
		if err != nil {
			t.Fatalf("IsProcessed failed: %v", err)
		}
		if !ok {
			t.Fatal("expected hint from L2")
		}
		if ok, _ := local.IsProcessed(ctx, "tx-2"); !ok {
			t.Error("expected L2 hint to be copied into L1")
		}
	})

	t.Run("DeleteBothTiers", func(t *testing.T) {
		local := NewLRUCache(10)
		remote := NewLRUCache(10)
		c := newTwoPhase(local, remote, 0)

		_ = c.Set(ctx, "k", []byte("v"), time.Hour)
		_ = c.Delete(ctx, "k")

		if val, _ := c.Get(ctx, "k"); val != nil {
			t.Error("expected nil after delete")
		}
		if c.l1TTL != 5*time.Minute {
			t.Errorf("expected default L1 TTL, got %v", c.l1TTL)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
