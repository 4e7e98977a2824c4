package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/cache"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

// Deduper remembers which events were already handled. Claim reports true
// the first time it sees key; Release forgets key again.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

func dedupeKey(ref models.EventRef, t models.EventType) string {
	return fmt.Sprintf("%d:%s", ref.OrderID, t)
}

type RedisDeduper struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

func NewRedisDeduper(c *cache.RedisCache, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{cache: c, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.cache.Claim(ctx, redisKey(key), d.ttl)
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.cache.Delete(ctx, redisKey(key))
}

func redisKey(key string) string {
	return "orderflow:event:" + key
}

// MemoryDeduper is process-local; it forgets everything on restart.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]struct{}{}}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
