package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Usage is one credential's persisted window state. Keeping it outside
// the process means a restart inside the same window does not forget
// budget already spent.
type Usage struct {
	// Used counts requests charged in the current window.
	Used int

	// WindowResetAt is when the window ends. Zero means no open window.
	WindowResetAt time.Time

	// Burned marks a credential invalidated by a live 429 before the
	// local counter predicted exhaustion.
	Burned bool
}

// Store persists per-credential usage across runs.
type Store interface {
	// Load returns the stored usage for a key, or a zero Usage when
	// nothing is stored.
	Load(ctx context.Context, key string) (Usage, error)

	// Save durably records a key's usage.
	Save(ctx context.Context, key string, usage Usage) error
}

// NopStore discards usage. Suitable for single-shot runs and tests.
type NopStore struct{}

// Load implements Store.
func (NopStore) Load(ctx context.Context, key string) (Usage, error) { return Usage{}, nil }

// Save implements Store.
func (NopStore) Save(ctx context.Context, key string, usage Usage) error { return nil }

// Redis key layout for usage storage. Keys are hashed so raw API keys
// never land in Redis.
const (
	redisKeyUsedFmt   = "harvest:quota:%s:used"
	redisKeyResetFmt  = "harvest:quota:%s:reset"
	redisKeyBurnedFmt = "harvest:quota:%s:burned"
)

// RedisStore keeps credential usage in Redis so concurrent or restarted
// harvesters share one view of each key's spent budget.
type RedisStore struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisStore creates a Redis-backed usage store.
func NewRedisStore(redisClient *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		redis:  redisClient,
		logger: logger.With().Str("component", "quota-store").Logger(),
	}
}

// hashKey derives the storage identity for an API key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Load implements Store. Absent keys yield a zero Usage.
func (s *RedisStore) Load(ctx context.Context, key string) (Usage, error) {
	h := hashKey(key)

	used, err := s.redis.Get(ctx, fmt.Sprintf(redisKeyUsedFmt, h)).Int()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("get used counter: %w", err)
	}

	reset, err := s.redis.Get(ctx, fmt.Sprintf(redisKeyResetFmt, h)).Int64()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("get window reset: %w", err)
	}
	if err == redis.Nil {
		s.logger.Debug().Str("credential", h).Msg("No stored usage, starting fresh")
		return Usage{}, nil
	}

	burned, err := s.redis.Get(ctx, fmt.Sprintf(redisKeyBurnedFmt, h)).Bool()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("get burned flag: %w", err)
	}

	return Usage{
		Used:          used,
		WindowResetAt: time.Unix(reset, 0),
		Burned:        burned,
	}, nil
}

// Save implements Store. All fields are written atomically and expire
// with the window, so stale windows clean themselves up.
func (s *RedisStore) Save(ctx context.Context, key string, usage Usage) error {
	h := hashKey(key)

	ttl := time.Duration(0)
	if !usage.WindowResetAt.IsZero() {
		ttl = time.Until(usage.WindowResetAt)
		if ttl <= 0 {
			// Window already over; nothing worth persisting.
			return nil
		}
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(redisKeyUsedFmt, h), usage.Used, ttl)
	pipe.Set(ctx, fmt.Sprintf(redisKeyResetFmt, h), usage.WindowResetAt.Unix(), ttl)
	pipe.Set(ctx, fmt.Sprintf(redisKeyBurnedFmt, h), usage.Burned, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store credential usage in redis: %w", err)
	}

	return nil
}
