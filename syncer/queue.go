// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
)

// drainQueue retries every queued chat upload once, in enqueue order. A
// chat that fails again simply stays queued (uploadChat's failure path
// already re-enqueued it); an auth failure stops the drain.
func (s *Syncer) drainQueue(ctx context.Context) error {
	if s.disabled.Load() {
		return ErrSyncDisabled
	}
	pending, err := s.queue.PendingChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	for _, chatID := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.uploadChat(ctx, chatID); err != nil {
			if s.noteRemoteError(err) {
				return ErrSyncDisabled
			}
			s.logger.Warn("Queued upload still failing", "chat_id", chatID, "error", err)
			continue
		}
		if err := s.queue.Dequeue(ctx, chatID); err != nil {
			s.logger.Error("Failed to dequeue chat after retry", "chat_id", chatID, "error", err)
		}
	}
	return nil
}

// queueDrainLoop opportunistically retries queued uploads with exponential
// backoff: the backoff grows while the queue keeps failing and resets once
// a pass completes with an empty queue.
func (s *Syncer) queueDrainLoop(ctx context.Context) {
	defer s.wg.Done()
	backoff := s.config.BackoffMin
	for {
		if err := s.clock.Sleep(ctx, backoff); err != nil {
			return
		}
		if s.disabled.Load() || !s.online.Load() {
			continue
		}

		size, err := s.queue.QueueSize(ctx)
		if err != nil {
			s.logger.Error("Failed to read queue size", "error", err)
			continue
		}
		if size == 0 {
			backoff = s.config.BackoffMin
			continue
		}

		if err := s.drainQueue(ctx); err != nil {
			backoff *= 2
			if backoff > s.config.BackoffMax {
				backoff = s.config.BackoffMax
			}
			continue
		}

		remaining, err := s.queue.QueueSize(ctx)
		if err == nil && remaining == 0 {
			backoff = s.config.BackoffMin
		} else {
			backoff *= 2
			if backoff > s.config.BackoffMax {
				backoff = s.config.BackoffMax
			}
		}
	}
}
