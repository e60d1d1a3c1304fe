package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisAvailabilityCache implements AvailabilityCache using Redis
// This is suitable for distributed deployments where multiple instances
// serve availability checks against the same tenants
type RedisAvailabilityCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisAvailabilityCache creates a new Redis-based availability cache
func NewRedisAvailabilityCache(cfg RedisConfig, ttl time.Duration) (*RedisAvailabilityCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisAvailabilityCacheWithClient(client, "", ttl), nil
}

// NewRedisAvailabilityCacheWithClient creates a cache with an existing Redis
// client. This is useful for testing or when sharing a client across
// components.
func NewRedisAvailabilityCacheWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisAvailabilityCache {
	if keyPrefix == "" {
		keyPrefix = "credits:availability:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisAvailabilityCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Get returns the cached snapshot for a tenant and channel, or (nil, nil) on
// a miss
func (c *RedisAvailabilityCache) Get(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) (*credits.Availability, error) {
	data, err := c.client.Get(ctx, c.key(tenantID, packType)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read availability from cache: %w", err)
	}

	var availability credits.Availability
	if err := json.Unmarshal(data, &availability); err != nil {
		return nil, fmt.Errorf("failed to decode cached availability: %w", err)
	}
	return &availability, nil
}

// Set stores an availability snapshot with the configured TTL
func (c *RedisAvailabilityCache) Set(ctx context.Context, availability *credits.Availability) error {
	data, err := json.Marshal(availability)
	if err != nil {
		return fmt.Errorf("failed to encode availability: %w", err)
	}
	key := c.key(availability.TenantID, availability.PackType)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache availability: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for a tenant and channel
func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, tenantID uuid.UUID, packType credits.PackType) error {
	if err := c.client.Del(ctx, c.key(tenantID, packType)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate availability: %w", err)
	}
	return nil
}

func (c *RedisAvailabilityCache) key(tenantID uuid.UUID, packType credits.PackType) string {
	return c.keyPrefix + tenantID.String() + ":" + string(packType)
}

// Ensure RedisAvailabilityCache implements AvailabilityCache
var _ appcredits.AvailabilityCache = (*RedisAvailabilityCache)(nil)
