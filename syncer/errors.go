// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import "errors"

var (
	// ErrUnauthorized marks authentication/authorization failures from the
	// remote store. Remote store implementations wrap it so the syncer can
	// disable sync instead of retrying.
	ErrUnauthorized = errors.New("sync unauthorized")

	// ErrSyncDisabled is returned by sync entry points after an auth
	// failure, until a new identity is supplied via SetIdentity.
	ErrSyncDisabled = errors.New("sync disabled until identity is re-established")

	// ErrSyncInProgress is returned by FullSync when another full pass is
	// already running; callers are expected to treat it as a no-op.
	ErrSyncInProgress = errors.New("sync already in progress")
)
