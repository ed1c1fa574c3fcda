package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/harun/clawloop/internal/observability"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how transient provider failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles each time.
	BaseDelay time.Duration
}

// DefaultRetryPolicy allows 4 attempts spaced 1s, 2s and 4s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.BaseDelay << max(p.MaxRetries, 0)
	b.Reset()
	return b
}

// withRetry runs op until it succeeds, fails terminally, or the policy is
// exhausted. The last error is returned unwrapped.
func withRetry[T any](ctx context.Context, policy RetryPolicy, provider string, logger zerolog.Logger, op func() (T, error)) (T, error) {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		res, err := op()
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(max(policy.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			observability.RecordProviderRetry(provider)
			logger.Warn().
				Err(err).
				Str("provider", provider).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("Provider request failed, retrying")
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}
