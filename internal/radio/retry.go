package radio

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultBeginAttempts = 3
	DefaultBeginBackoff  = 200 * time.Millisecond
)

// BeginWithRetry calls Begin up to attempts times, doubling the pause between
// tries. Exhaustion is reported as ErrRadioUnavailable wrapping the last
// failure.
func BeginWithRetry(ctx context.Context, logger *slog.Logger, t *Transport, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultBeginAttempts
	}
	if backoff <= 0 {
		backoff = DefaultBeginBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := t.Begin(ctx); err != nil {
			lastErr = err
			logger.Warn("radio init failed", "attempt", attempt, "max_attempts", attempts, "error", err)
			if attempt == attempts {
				break
			}
			if !sleepWithContext(ctx, backoff) {
				return fmt.Errorf("%w: %w", ErrRadioUnavailable, ctx.Err())
			}
			backoff *= 2
			continue
		}

		return nil
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRadioUnavailable, attempts, lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
