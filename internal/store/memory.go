package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

type memEntry struct {
	value     string
	updatedAt time.Time
}

// Memory keeps records in process memory. It is not durable across restarts
// and is meant for tests and the text-only chat mode.
type Memory struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewMemory creates a Memory store. A zero ttl keeps entries forever.
func NewMemory(ttl time.Duration) *Memory {
	exp := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}
	return &Memory{cache: cache.New(exp, cleanup), now: time.Now}
}

// Get implements KV.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if x, found := m.cache.Get(key); found {
		return x.(memEntry).value, nil
	}
	return "", ErrNotFound
}

// Set implements KV.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.cache.Set(key, memEntry{value: value, updatedAt: m.now()}, cache.DefaultExpiration)
	return nil
}

// Delete implements KV.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// PruneBefore implements Pruner.
func (m *Memory) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for k, item := range m.cache.Items() {
		if e, ok := item.Object.(memEntry); ok && e.updatedAt.Before(cutoff) {
			m.cache.Delete(k)
			n++
		}
	}
	return n, nil
}
