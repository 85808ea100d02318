package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory builds the in-process cache backend. The ttl applies when Set is
// called with a non-positive duration.
func NewMemory(ttl time.Duration) ResponseCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryCache{ttl: ttl, entries: make(map[string]Entry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cloneEntry(Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *memoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return nil
}

func (c *memoryCache) Cleanup(context.Context) (int, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *memoryCache) Size(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(ctx context.Context) error {
	return c.Clear(ctx)
}

func cloneEntry(in Entry) Entry {
	out := in
	if len(in.Value) > 0 {
		out.Value = make(json.RawMessage, len(in.Value))
		copy(out.Value, in.Value)
	}
	return out
}
