// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"time"
)

// Clock abstracts time so reconnection and pool-sync deduplication are
// testable without real timers.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// retryWithBackoff runs fn up to attempts times, sleeping an exponentially
// growing delay (bounded by max) between failures. It returns nil on the
// first success, ctx.Err() if cancelled, or the last failure once the
// attempt budget is exhausted. Replaces timer-callback retry chains with a
// deterministic, cancellable loop.
func retryWithBackoff(ctx context.Context, clock Clock, attempts int, min, max time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	delay := min
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
