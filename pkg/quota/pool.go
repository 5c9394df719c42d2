package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for credential pool operations.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_quota_remaining",
		Help: "Tracked remaining request budget per credential",
	}, []string{"credential"})

	quotaExhaustionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_quota_exhaustions_total",
		Help: "Credential exhaustions by cause (counter or live 429)",
	}, []string{"cause"})

	quotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_quota_blocks_total",
		Help: "Times the pool had no usable credential for a request",
	})
)

// Common errors returned by the pool.
var (
	// ErrQuotaExhausted means every credential is spent or burned and
	// the pool's policy is to fail rather than wait for a window reset.
	ErrQuotaExhausted = errors.New("all credentials exhausted")

	// ErrCredentialExhausted means one specific credential cannot take
	// another request in this window.
	ErrCredentialExhausted = errors.New("credential exhausted")

	// ErrUnknownCredential means the key is not in the pool.
	ErrUnknownCredential = errors.New("unknown credential")
)

// BlockPolicy decides what the pool does when no credential is usable.
type BlockPolicy string

const (
	// BlockPolicyFail surfaces ErrQuotaExhausted to the caller.
	BlockPolicyFail BlockPolicy = "fail"

	// BlockPolicyWait sleeps until the nearest window reset.
	BlockPolicyWait BlockPolicy = "wait"
)

// Config holds credential pool configuration.
type Config struct {
	// DailyCap is the per-key request budget per window.
	DailyCap int

	// Window is the provider's rate-limit accounting period.
	Window time.Duration

	// Delay is the minimum spacing between two requests on the same
	// credential, applied even well under the cap.
	Delay time.Duration

	// BlockPolicy selects wait-for-reset or fail-fast when the whole
	// pool is spent.
	BlockPolicy BlockPolicy
}

// DefaultConfig returns a safe default configuration matching the
// provider's published limits.
func DefaultConfig() Config {
	return Config{
		DailyCap:    500,
		Window:      24 * time.Hour,
		Delay:       1 * time.Second,
		BlockPolicy: BlockPolicyFail,
	}
}

// Pool owns the rotatable credential set. It is the single writer for
// all credential state; every mutation happens under its lock.
type Pool struct {
	mu    sync.Mutex
	creds []*Credential
	byKey map[string]*Credential

	config Config
	store  Store
	logger zerolog.Logger
}

// NewPool builds a pool from raw key values, restoring any usage
// already spent in the current window from the store.
func NewPool(ctx context.Context, keys []string, cfg Config, store Store, logger zerolog.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	if cfg.DailyCap <= 0 {
		return nil, fmt.Errorf("daily cap must be positive (got %d)", cfg.DailyCap)
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.BlockPolicy == "" {
		cfg.BlockPolicy = BlockPolicyFail
	}
	if store == nil {
		store = NopStore{}
	}

	p := &Pool{
		byKey:  make(map[string]*Credential, len(keys)),
		config: cfg,
		store:  store,
		logger: logger.With().Str("component", "quota").Logger(),
	}

	now := time.Now()
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("empty API key in pool")
		}
		if _, dup := p.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate API key in pool")
		}

		cred := &Credential{Key: key, DailyCap: cfg.DailyCap, state: StateAvailable}

		usage, err := store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load usage for credential: %w", err)
		}
		if !usage.WindowResetAt.IsZero() && now.Before(usage.WindowResetAt) {
			cred.UsedToday = usage.Used
			cred.WindowResetAt = usage.WindowResetAt
			if usage.Burned || cred.Remaining() == 0 {
				cred.state = StateExhausted
			}
		}

		p.creds = append(p.creds, cred)
		p.byKey[key] = cred
		quotaRemaining.WithLabelValues(redact(key)).Set(float64(cred.Remaining()))
	}

	p.logger.Info().
		Int("credentials", len(p.creds)).
		Int("daily_cap", cfg.DailyCap).
		Dur("delay", cfg.Delay).
		Str("block_policy", string(cfg.BlockPolicy)).
		Msg("Credential pool initialized")

	return p, nil
}

// Keys returns the pool's key values in configuration order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.creds))
	for i, c := range p.creds {
		keys[i] = c.Key
	}
	return keys
}

// Acquire charges one request against the usable credential with the
// largest remaining budget, waiting out inter-request delays and, under
// BlockPolicyWait, whole-pool exhaustion. Returns the selected key.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	for {
		key, wait, err := p.tryAcquire(time.Now(), "")
		if err != nil {
			return "", err
		}
		if wait == 0 {
			return key, nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return "", err
		}
	}
}

// Reserve charges one request against a specific credential, waiting
// out its inter-request delay. Returns ErrCredentialExhausted when the
// credential has no budget left in this window.
func (p *Pool) Reserve(ctx context.Context, key string) error {
	for {
		_, wait, err := p.tryAcquire(time.Now(), key)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire makes one dispatch decision under the lock. It returns
// either a charged key, a duration to wait before retrying, or an
// error. onlyKey restricts selection to one credential.
func (p *Pool) tryAcquire(now time.Time, onlyKey string) (string, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.creds {
		if c.resetIfElapsed(now) {
			p.logger.Info().
				Str("credential", redact(c.Key)).
				Msg("Credential window reset, budget restored")
			quotaRemaining.WithLabelValues(redact(c.Key)).Set(float64(c.Remaining()))
		}
	}

	var best *Credential
	if onlyKey != "" {
		c, ok := p.byKey[onlyKey]
		if !ok {
			return "", 0, ErrUnknownCredential
		}
		if !c.usable(now) {
			return "", 0, fmt.Errorf("%w: resets at %s",
				ErrCredentialExhausted, c.WindowResetAt.Format(time.RFC3339))
		}
		best = c
	} else {
		for _, c := range p.creds {
			if !c.usable(now) {
				continue
			}
			if best == nil || c.Remaining() > best.Remaining() {
				best = c
			}
		}
		if best == nil {
			quotaBlocksTotal.Inc()
			if p.config.BlockPolicy == BlockPolicyFail {
				return "", 0, ErrQuotaExhausted
			}
			wait := p.timeUntilNearestReset(now)
			if wait <= 0 {
				// Reset is due; loop immediately.
				return "", time.Millisecond, nil
			}
			p.logger.Warn().
				Dur("wait", wait).
				Msg("Pool blocked, waiting for nearest window reset")
			return "", wait, nil
		}
	}

	if wait := best.nextEligibleAt.Sub(now); wait > 0 {
		return "", wait, nil
	}

	// InUse is held only for this decision instant.
	best.state = StateInUse
	best.charge(now, p.config.Window, p.config.Delay)
	if best.state == StateInUse {
		best.state = StateAvailable
	} else {
		quotaExhaustionsTotal.WithLabelValues("counter").Inc()
		p.logger.Info().
			Str("credential", redact(best.Key)).
			Time("reset_at", best.WindowResetAt).
			Msg("Credential reached local cap")
	}
	quotaRemaining.WithLabelValues(redact(best.Key)).Set(float64(best.Remaining()))

	p.persist(best)
	return best.Key, 0, nil
}

// MarkExhausted burns a credential for the rest of its window on a live
// 429, regardless of the local counter.
func (p *Pool) MarkExhausted(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byKey[key]
	if !ok {
		return
	}
	now := time.Now()
	if c.WindowResetAt.IsZero() {
		c.WindowResetAt = now.Add(p.config.Window)
	}
	c.state = StateExhausted
	quotaExhaustionsTotal.WithLabelValues("throttled").Inc()
	quotaRemaining.WithLabelValues(redact(c.Key)).Set(0)

	p.logger.Warn().
		Str("credential", redact(c.Key)).
		Int("used_today", c.UsedToday).
		Time("reset_at", c.WindowResetAt).
		Msg("Credential invalidated by live 429")

	p.persist(c)
}

// Exhausted reports whether every credential is currently unusable.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, c := range p.creds {
		c.resetIfElapsed(now)
		if c.usable(now) {
			return false
		}
	}
	return true
}

// NextReset returns the nearest window reset across the pool, or zero
// when no window is open.
func (p *Pool) NextReset() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	var nearest time.Time
	for _, c := range p.creds {
		if c.WindowResetAt.IsZero() {
			continue
		}
		if nearest.IsZero() || c.WindowResetAt.Before(nearest) {
			nearest = c.WindowResetAt
		}
	}
	return nearest
}

// Policy returns the pool's configured block policy.
func (p *Pool) Policy() BlockPolicy {
	return p.config.BlockPolicy
}

// ResetAt returns one credential's window reset time, or zero when its
// window is not open.
func (p *Pool) ResetAt(key string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byKey[key]; ok {
		return c.WindowResetAt
	}
	return time.Time{}
}

// Remaining returns the tracked remaining budget for one key.
func (p *Pool) Remaining(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byKey[key]; ok {
		return c.Remaining()
	}
	return 0
}

func (p *Pool) timeUntilNearestReset(now time.Time) time.Duration {
	var nearest time.Time
	for _, c := range p.creds {
		if c.WindowResetAt.IsZero() {
			continue
		}
		if nearest.IsZero() || c.WindowResetAt.Before(nearest) {
			nearest = c.WindowResetAt
		}
	}
	if nearest.IsZero() {
		return 0
	}
	return nearest.Sub(now)
}

// persist writes a credential's usage through the store. Store errors
// degrade durability of the counter, not correctness of the run.
func (p *Pool) persist(c *Credential) {
	usage := Usage{
		Used:          c.UsedToday,
		WindowResetAt: c.WindowResetAt,
		Burned:        c.state == StateExhausted,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.store.Save(ctx, c.Key, usage); err != nil {
		p.logger.Warn().Err(err).
			Str("credential", redact(c.Key)).
			Msg("Failed to persist credential usage")
	}
}

// redact shortens a key for logs and metric labels.
func redact(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
