// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ChatCursor returns the last-confirmed-uploaded timestamp for chatID.
// ok is false when the chat has never completed an upload.
func (s *Store) ChatCursor(ctx context.Context, chatID string) (ts int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT uploaded_until FROM _sync_chat_cursor WHERE chat_id = ?`, chatID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query chat cursor for %s: %w", chatID, err)
	}
	return ts, true, nil
}

// SetChatCursor records that everything in chatID at or before ts is
// confirmed uploaded.
func (s *Store) SetChatCursor(ctx context.Context, chatID string, ts int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_chat_cursor (chat_id, uploaded_until) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET uploaded_until = excluded.uploaded_until
	`, chatID, ts)
	if err != nil {
		return fmt.Errorf("failed to set chat cursor for %s: %w", chatID, err)
	}
	return nil
}

// DownloadCursor returns the global download cursor: the highest message
// timestamp observed across all completed download passes for userID.
func (s *Store) DownloadCursor(ctx context.Context, userID string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT download_cursor FROM _sync_device_info WHERE user_id = ?`, userID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query download cursor: %w", err)
	}
	return ts, nil
}

// SetDownloadCursor persists the global download cursor. The device info
// row must already exist (EnsureDeviceID creates it).
func (s *Store) SetDownloadCursor(ctx context.Context, userID string, ts int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE _sync_device_info SET download_cursor = ? WHERE user_id = ?`, ts, userID)
	if err != nil {
		return fmt.Errorf("failed to set download cursor: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no device info row for user %s (call EnsureDeviceID first)", userID)
	}
	return nil
}
