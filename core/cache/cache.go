// Package cache provides the key/value channel used to hand causal
// context from a producer trace to the async work it triggers.
package cache

import (
	"context"
	"sync"
	"time"
)

// Channel is a TTL key/value store. Get returns found=false for
// missing or expired keys.
type Channel interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryChannel is the in-process default, suitable for a single
// host application.
type MemoryChannel struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryChannel(ttl time.Duration) *MemoryChannel {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &MemoryChannel{
		entries: map[string]memoryEntry{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryChannel) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (c *MemoryChannel) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = memoryEntry{value: stored, expiresAt: c.now().Add(c.ttl)}
	c.sweepLocked()
	return nil
}

func (c *MemoryChannel) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryChannel) Close() error { return nil }

// sweepLocked drops expired entries opportunistically on writes so the
// map does not grow without bound between reads.
func (c *MemoryChannel) sweepLocked() {
	if len(c.entries) < 1024 {
		return
	}
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
