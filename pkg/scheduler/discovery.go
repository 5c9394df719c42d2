package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/quota"
)

// DiscoveryExecutor performs one raw metadata request on a credential.
type DiscoveryExecutor interface {
	Discover(ctx context.Context, path, key string) ([]byte, error)
}

// DiscoveryClient routes catalog metadata requests through the
// credential pool, so discovery spends the same budget as data fetches
// and honors the same delays. It satisfies the enumerator's fetcher
// contract.
type DiscoveryClient struct {
	pool   *quota.Pool
	exec   DiscoveryExecutor
	retry  RetryConfig
	logger zerolog.Logger
}

// NewDiscoveryClient creates a budget-charging discovery fetcher.
func NewDiscoveryClient(pool *quota.Pool, exec DiscoveryExecutor, retry RetryConfig, logger zerolog.Logger) *DiscoveryClient {
	return &DiscoveryClient{
		pool:   pool,
		exec:   exec,
		retry:  retry,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover charges one pool request per attempt and performs the
// metadata GET. A 429 burns the charged credential; the next attempt
// rotates to another one via the pool's largest-budget selection.
func (d *DiscoveryClient) Discover(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	err := retryTransient(ctx, d.retry, d.logger, func() error {
		key, err := d.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		got, err := d.exec.Discover(ctx, path, key)
		if err != nil {
			if fetch.IsRateLimited(err) {
				d.pool.MarkExhausted(key)
				// Worth one rotation before giving up on the path.
				return retrySignal(err)
			}
			return err
		}
		body = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// retrySignal wraps a rate-limit error so the retry loop treats the
// rotation as a retryable event while callers still see the cause.
func retrySignal(err error) error {
	return &fetch.Error{
		Kind:    fetch.KindTransient,
		Message: "credential rotated after rate limit",
		Err:     err,
	}
}
