// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package remotepg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Crscristi28/Elora-app-sub000/syncer"
)

// isAuthError reports whether err is an authentication/authorization
// failure rather than a transient fault.
func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "28000", // invalid_authorization_specification
		"28P01", // invalid_password
		"42501": // insufficient_privilege
		return true
	default:
		return false
	}
}

// isRetryableTxError reports whether err is a transient Postgres failure
// the caller may safely retry.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// txRetryAttempts bounds the in-place retry of serialization and deadlock
// failures before the error is handed to the sync queue's slower retry.
const txRetryAttempts = 3

// withTxRetry runs fn up to txRetryAttempts times, retrying only the
// transient failures isRetryableTxError recognizes, with a short growing
// pause between attempts.
func withTxRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		if attempt == txRetryAttempts {
			break
		}
		logger.Debug("Retrying transient database failure", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

// classify wraps err so the syncer's errors.Is checks see auth failures;
// everything else passes through as transient.
func classify(err error) error {
	if isAuthError(err) {
		return fmt.Errorf("%w: %v", syncer.ErrUnauthorized, err)
	}
	return err
}
