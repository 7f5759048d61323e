// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// UploadChat pushes one chat and its not-yet-confirmed messages to the
// remote store. Uploads are best-effort from the local write's
// perspective: transient failures enqueue the chat for retry and are not
// surfaced to the caller, since the local write already succeeded. Only a
// disabled syncer reports an error.
func (s *Syncer) UploadChat(ctx context.Context, chatID string) error {
	if s.disabled.Load() {
		return ErrSyncDisabled
	}
	if err := s.uploadChat(ctx, chatID); err != nil {
		if s.noteRemoteError(err) {
			return nil // auth failure: sync disabled, no retry loop
		}
		s.logger.Warn("Chat upload failed, queued for retry", "chat_id", chatID, "error", err)
		if qerr := s.queue.Enqueue(ctx, chatID); qerr != nil {
			s.logger.Error("Failed to enqueue chat for retry", "chat_id", chatID, "error", qerr)
		}
		return nil
	}
	s.online.Store(true)
	if err := s.queue.Dequeue(ctx, chatID); err != nil {
		s.logger.Error("Failed to dequeue chat after upload", "chat_id", chatID, "error", err)
	}
	return nil
}

// AutoSyncMessage is the hook fired after a local message write: an
// immediate upload attempt with queue fallback, identical to UploadChat.
func (s *Syncer) AutoSyncMessage(ctx context.Context, chatID string) error {
	return s.UploadChat(ctx, chatID)
}

// uploadChat performs the actual upload pass for one chat under its lock.
//
// The upload diff is cursor-based: messages with timestamp strictly above
// the chat's last-confirmed-uploaded cursor. When no cursor exists yet
// (first sync of a pre-existing chat) it falls back to a one-time
// comparison against the remote uuid set. Messages go up individually, in
// canonical order, never as one unordered batch: batched inserts do not
// guarantee server-side preservation of client intent order.
func (s *Syncer) uploadChat(ctx context.Context, chatID string) error {
	unlock := s.lockChat(chatID)
	defer unlock()

	chat, err := s.local.GetChat(ctx, chatID)
	if errors.Is(err, chatmodel.ErrChatNotFound) {
		// Deleted while queued (user action or ghost reconciliation).
		// Nothing to upload; drop any stale queue entry.
		if qerr := s.queue.Dequeue(ctx, chatID); qerr != nil {
			s.logger.Error("Failed to drop queue entry for deleted chat", "chat_id", chatID, "error", qerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}

	msgs, err := s.local.GetMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to load messages for %s: %w", chatID, err)
	}

	pending, err := s.pendingUploads(ctx, chatID, msgs)
	if err != nil {
		return err
	}

	if err := s.remote.UpsertChat(ctx, s.userID, *chat); err != nil {
		return fmt.Errorf("failed to upsert chat %s: %w", chatID, err)
	}

	for i := range pending {
		if err := s.remote.UpsertMessage(ctx, s.userID, pending[i]); err != nil {
			// Abort without advancing the cursor. Messages already upserted
			// before the failure are safe: re-upload is idempotent.
			return fmt.Errorf("failed to upsert message %s: %w", pending[i].UUID, err)
		}
	}

	// The cursor advances to the highest message timestamp confirmed
	// remote, not to wall-clock now, to stay consistent with the download
	// cursor's clock-skew stance.
	if ts := chatmodel.MaxTimestamp(msgs); ts > 0 {
		if err := s.cursors.SetChatCursor(ctx, chatID, ts); err != nil {
			return fmt.Errorf("failed to advance upload cursor for %s: %w", chatID, err)
		}
	}

	s.logger.Debug("Chat uploaded", "chat_id", chatID, "messages", len(pending))
	return nil
}

// pendingUploads selects the messages not yet confirmed uploaded, in
// canonical order. msgs must already be sorted.
func (s *Syncer) pendingUploads(ctx context.Context, chatID string, msgs []chatmodel.Message) ([]chatmodel.Message, error) {
	cursor, ok, err := s.cursors.ChatCursor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if ok {
		var pending []chatmodel.Message
		for i := range msgs {
			if msgs[i].Timestamp > cursor {
				pending = append(pending, msgs[i])
			}
		}
		return pending, nil
	}

	// No cursor yet: diff against the remote snapshot once, so history that
	// is already remote is not re-scanned on every pass afterwards.
	remoteIDs, err := s.remote.ListMessageIDs(ctx, s.userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote message ids for %s: %w", chatID, err)
	}
	have := make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		have[id] = struct{}{}
	}
	var pending []chatmodel.Message
	for i := range msgs {
		if _, exists := have[msgs[i].UUID]; !exists {
			pending = append(pending, msgs[i])
		}
	}
	return pending, nil
}
