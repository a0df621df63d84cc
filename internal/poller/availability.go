package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrUnavailable is returned when the engine did not become reachable within the timeout
var ErrUnavailable = errors.New("engine did not become available")

// HealthChecker reports whether the engine is reachable
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// AvailabilityConfig holds the pre-flight wait settings
type AvailabilityConfig struct {
	// Interval is the constant delay between health checks
	Interval time.Duration
	// Timeout bounds the whole wait
	Timeout time.Duration
}

// WaitForAvailability polls the health endpoint at a constant interval until it answers with a 2xx.
// It returns ErrUnavailable (wrapping the last check error) on timeout and ErrInterrupted on cancellation.
func WaitForAvailability(ctx context.Context, checker HealthChecker, cfg AvailabilityConfig) error {
	slog.Info("Waiting for engine availability",
		"state", WaitingForAvailability.String(),
		"timeout", cfg.Timeout)

	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		return struct{}{}, checker.CheckHealth(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.Interval)),
		backoff.WithMaxElapsedTime(cfg.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Engine not available yet", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
	if err == nil {
		slog.Info("Engine is available", "attempts", attempts)
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	return fmt.Errorf("%w after %s (%d attempts): %w", ErrUnavailable, cfg.Timeout, attempts, err)
}
