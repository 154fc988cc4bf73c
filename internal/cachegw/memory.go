package cachegw

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryGateway is an in-process Gateway backed by go-cache. Suitable for
// single-process deployments and tests; entries do not survive a restart.
type MemoryGateway struct {
	c *gocache.Cache

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMemory creates an in-memory gateway. Expired entries are swept every
// cleanupInterval; zero picks a sensible default.
func NewMemory(cleanupInterval time.Duration) *MemoryGateway {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryGateway{
		c:       gocache.New(gocache.NoExpiration, cleanupInterval),
		nowFunc: time.Now,
	}
}

// Get returns the entry for key, or (nil, nil) on miss.
func (m *MemoryGateway) Get(_ context.Context, key string) (*Entry, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, nil
	}
	e, ok := v.(*Entry)
	if !ok {
		return nil, nil
	}
	return e, nil
}

// Set stores the payload under key with the given TTL.
func (m *MemoryGateway) Set(_ context.Context, key string, payload map[string]any, ttl time.Duration) error {
	m.c.Set(key, &Entry{Payload: payload, StoredAt: m.nowFunc().UTC()}, ttl)
	return nil
}

// Delete removes key if present.
func (m *MemoryGateway) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Close is a no-op for the memory backend.
func (m *MemoryGateway) Close() error {
	return nil
}
