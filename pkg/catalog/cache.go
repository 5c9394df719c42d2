package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates no cached catalog exists for the key.
	ErrCacheMiss = errors.New("catalog cache miss")

	// ErrInvalidEntry indicates the cached catalog is corrupted.
	ErrInvalidEntry = errors.New("invalid catalog cache entry")
)

// Prometheus metrics for catalog cache operations.
var (
	catalogCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_catalog_cache_hits_total",
		Help: "Catalog loads served from cache instead of discovery requests",
	})

	catalogCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_catalog_cache_misses_total",
		Help: "Catalog cache misses requiring full discovery",
	})
)

// Cache stores an enumerated catalog in Redis so a resumed run does not
// spend credential budget re-walking the metadata endpoints. Metadata
// for a dataset vintage changes rarely, so a long TTL is safe.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a catalog cache with the given entry lifetime.
func NewCache(redisClient *redis.Client, ttl time.Duration) *Cache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Cache{redis: redisClient, ttl: ttl}
}

// cacheKey is deterministic per dataset vintage.
func cacheKey(year, dataset string) string {
	return fmt.Sprintf("harvest:catalog:%s:%s", year, dataset)
}

// Get retrieves a cached catalog. Returns ErrCacheMiss if absent.
func (c *Cache) Get(ctx context.Context, year, dataset string) (*Catalog, error) {
	data, err := c.redis.Get(ctx, cacheKey(year, dataset)).Bytes()
	if err != nil {
		if err == redis.Nil {
			catalogCacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	catalogCacheHits.Inc()
	return &cat, nil
}

// Set stores a catalog under the dataset vintage key.
func (c *Cache) Set(ctx context.Context, year, dataset string, cat *Catalog) error {
	if cat == nil {
		return fmt.Errorf("catalog cannot be nil")
	}

	data, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	if err := c.redis.Set(ctx, cacheKey(year, dataset), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Invalidate drops the cached catalog for a dataset vintage.
func (c *Cache) Invalidate(ctx context.Context, year, dataset string) error {
	if err := c.redis.Del(ctx, cacheKey(year, dataset)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
