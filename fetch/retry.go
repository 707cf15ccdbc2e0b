package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy retries an operation a bounded number of times with
// exponential backoff. The sleep function is injectable so tests can run
// without real delays.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles on each
	// subsequent attempt
	BaseDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the default sleeper
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		sleep:       sleepContext,
	}
}

// WithSleep returns a copy of the policy using the given sleep function
func (p RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryPolicy {
	p.sleep = sleep
	return p
}

// Do runs fn until it succeeds or attempts are exhausted. The backoff sleep
// is a suspension point: it honors context cancellation.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy: max attempts must be positive")
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Warn("retrying operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.MaxAttempts),
				zap.Duration("delay", delay),
			)
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			delay *= 2
		}

		if err = fn(); err == nil {
			return nil
		}

		logger.Warn("operation failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, err)
}

// sleepContext waits for d or until the context is cancelled
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
