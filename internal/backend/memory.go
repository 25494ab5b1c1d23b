package backend

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process backend with per-key expiry.
type Memory struct {
	cache     *ttlcache.Cache[string, []byte]
	closeOnce sync.Once
}

// NewMemory creates a memory backend holding at most capacity items
// (0 = unbounded). Least recently used items are evicted first.
func NewMemory(capacity uint64) *Memory {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	m := &Memory{cache: ttlcache.New[string, []byte](opts...)}
	go m.cache.Start()
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item := m.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	// Callers may reuse their buffer.
	m.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := m.cache.GetAndDelete(key); !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored items.
func (m *Memory) Len() int {
	return m.cache.Len()
}

func (m *Memory) Close() error {
	m.closeOnce.Do(m.cache.Stop)
	return nil
}
