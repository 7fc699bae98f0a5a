package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds the connect loop: BaseDelay, BaseDelay*Multiplier, ...
// for at most MaxRetries retries after the first attempt.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultRetryPolicy is 1s base, factor 2, 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxRetries: 3,
	}
}

// Dialer opens one session. It must return only once the session is
// connected, or fail.
type Dialer func(ctx context.Context) (Client, error)

// Connect dials until a session is established or the retry budget is
// exhausted, in which case the returned error wraps ErrConnection.
func Connect(ctx context.Context, dial Dialer, policy RetryPolicy, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = policy.BaseDelay * time.Duration(1<<policy.MaxRetries)

	attempts := 0
	client, err := backoff.Retry(ctx, func() (Client, error) {
		attempts++
		c, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return c, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("coordination connect failed, retrying",
				zap.Int("attempt", attempts),
				zap.Duration("next_retry_in", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnection, attempts, err)
	}
	logger.Info("coordination session established", zap.Int("attempts", attempts))
	return client, nil
}
