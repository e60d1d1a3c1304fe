package cache

import (
	"context"
	"sync"
	"time"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
)

// availabilityEntry represents a cached snapshot with expiration
type availabilityEntry struct {
	availability credits.Availability
	expiresAt    time.Time
}

// InMemoryAvailabilityCache implements AvailabilityCache using an in-memory map
// This is suitable for single-instance deployments and testing
type InMemoryAvailabilityCache struct {
	mu      sync.RWMutex
	entries map[string]availabilityEntry
	ttl     time.Duration
}

// NewInMemoryAvailabilityCache creates a new in-memory availability cache
func NewInMemoryAvailabilityCache(ttl time.Duration) *InMemoryAvailabilityCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &InMemoryAvailabilityCache{
		entries: make(map[string]availabilityEntry),
		ttl:     ttl,
	}
}

// Get returns the cached snapshot for a tenant and channel, or (nil, nil) on
// a miss. Expired entries count as misses and are dropped lazily.
func (c *InMemoryAvailabilityCache) Get(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) (*credits.Availability, error) {
	key := availabilityKey(tenantID, packType)

	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}

	availability := e.availability
	return &availability, nil
}

// Set stores an availability snapshot with the configured TTL
func (c *InMemoryAvailabilityCache) Set(ctx context.Context, availability *credits.Availability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[availabilityKey(availability.TenantID, availability.PackType)] = availabilityEntry{
		availability: *availability,
		expiresAt:    time.Now().Add(c.ttl),
	}
	return nil
}

// Invalidate drops the cached snapshot for a tenant and channel
func (c *InMemoryAvailabilityCache) Invalidate(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, availabilityKey(tenantID, packType))
	return nil
}

func availabilityKey(tenantID uuid.UUID, packType credits.PackType) string {
	return tenantID.String() + ":" + string(packType)
}

// Ensure InMemoryAvailabilityCache implements AvailabilityCache
var _ appcredits.AvailabilityCache = (*InMemoryAvailabilityCache)(nil)
