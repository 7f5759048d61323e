// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package chatstore

import (
	"context"
	"fmt"
)

// Enqueue adds chatID to the durable retry queue. Re-enqueueing an already
// queued chat only bumps its attempt counter.
func (s *Store) Enqueue(ctx context.Context, chatID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_queue (chat_id) VALUES (?)
		ON CONFLICT(chat_id) DO UPDATE SET attempts = attempts + 1
	`, chatID)
	if err != nil {
		return fmt.Errorf("failed to enqueue chat %s: %w", chatID, err)
	}
	return nil
}

// Dequeue removes chatID from the queue. Called only after a confirmed
// successful upload.
func (s *Store) Dequeue(ctx context.Context, chatID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_queue WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to dequeue chat %s: %w", chatID, err)
	}
	return nil
}

// PendingChats returns queued chat ids in enqueue order.
func (s *Store) PendingChats(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM _sync_queue ORDER BY queued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueSize returns the number of chats pending upload.
func (s *Store) QueueSize(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}
