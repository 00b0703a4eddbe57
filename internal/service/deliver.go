package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"market_watcher/internal/domain"
)

// maxThrottleWait caps a wait requested by the destination.
const maxThrottleWait = time.Minute

// deliver retries domain.ErrDeliveryOther with exponential backoff; the other
// categories are final. A wait requested by the destination stretches the
// next backoff. Cancelling ctx lets the attempt in flight finish but skips
// further retries.
func (s *WatchService) deliver(ctx context.Context, logger *slog.Logger, destination string, alert *domain.Alert) error {
	retry := s.config.DeliveryRetry

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retry.InitialBackoff
	b.MaxInterval = retry.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&throttledBackOff{BackOff: b, last: &lastErr}, uint64(attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()

		lastErr = s.dispatcher.Deliver(callCtx, destination, alert)
		if lastErr != nil && !errors.Is(lastErr, domain.ErrDeliveryOther) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("delivery failed, retrying",
			"destination", destination,
			"backoff", wait,
			"error", err,
		)
	})

	// A stop between attempts surfaces the delivery error, not the context's.
	if err != nil && lastErr != nil && ctx.Err() != nil {
		return lastErr
	}
	return err
}

// throttledBackOff waits at least as long as the last error asked for.
type throttledBackOff struct {
	backoff.BackOff
	last *error
}

func (t *throttledBackOff) NextBackOff() time.Duration {
	next := t.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	var throttled *domain.RetryAfterError
	if errors.As(*t.last, &throttled) && throttled.Wait > next {
		return min(throttled.Wait, maxThrottleWait)
	}
	return next
}
