package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DialConfig bounds the attempts made to reach a broker at startup
type DialConfig struct {
	MaxAttempts int
	Backoff     time.Duration // wait after the first failure, doubling up to MaxBackoff
	MaxBackoff  time.Duration
}

// DialConfigFrom builds a DialConfig from attempt count and base backoff
func DialConfigFrom(attempts int, backoff time.Duration) DialConfig {
	return DialConfig{MaxAttempts: attempts, Backoff: backoff, MaxBackoff: 30 * time.Second}
}

// Dial calls connect until it succeeds, the attempts run out or ctx ends.
// The returned error names target and wraps the last connect error.
func Dial(ctx context.Context, target string, connect func(context.Context) error, cfg DialConfig, logger zerolog.Logger) error {
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = connect(ctx); lastErr == nil {
			if attempt > 0 {
				logger.Info().Str("target", target).Int("attempts", attempt+1).Msg("Connected after retry")
			}
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		wait := CalculateBackoff(attempt, cfg.Backoff, cfg.MaxBackoff, 2.0)
		logger.Warn().
			Err(lastErr).
			Str("target", target).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("retry_in", wait).
			Msg("Connection attempt failed")
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	return fmt.Errorf("failed to connect to %s after %d attempts: %w", target, attempts, lastErr)
}
