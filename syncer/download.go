// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// FullSync runs a complete reconciliation pass: ghost cleanup, full
// (non-incremental) download, then the upload queue drain. Concurrent
// calls no-op with ErrSyncInProgress rather than queue behind the running
// pass.
func (s *Syncer) FullSync(ctx context.Context) error {
	return s.poolSync(ctx, true)
}

// BackgroundSync runs an incremental reconciliation pass: ghost cleanup,
// download of messages past the global cursor, then the queue drain.
func (s *Syncer) BackgroundSync(ctx context.Context) error {
	return s.poolSync(ctx, false)
}

func (s *Syncer) poolSync(ctx context.Context, forceFull bool) error {
	if s.disabled.Load() {
		return ErrSyncDisabled
	}
	if !s.syncInProgress.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.syncInProgress.Store(false)

	// Download (which starts with ghost reconciliation) must run before
	// the upload drain: a stale local copy of a chat deleted elsewhere
	// would otherwise be re-uploaded and resurrect it.
	if err := s.downloadAll(ctx, forceFull); err != nil {
		if s.noteRemoteError(err) {
			return fmt.Errorf("download pass failed: %w", err)
		}
		s.logger.Warn("Download pass failed, will retry on next cycle", "error", err)
		return err
	}
	s.online.Store(true)

	if err := s.drainQueue(ctx); err != nil {
		return err
	}

	s.strategy.MarkPoolSyncDone()
	return nil
}

// downloadAll fetches the authoritative chat list, reconciles local
// ghosts, then pulls all of the user's new messages in one paginated query
// (not one query per chat), groups them client-side and re-hydrates the
// local store.
//
// The global cursor advances only after the whole pass succeeds, and only
// to the maximum timestamp observed among downloaded messages, never to
// wall-clock now: device clocks skew, and a cursor past a slow device's
// clock would permanently skip its messages.
func (s *Syncer) downloadAll(ctx context.Context, forceFull bool) error {
	remoteChats, err := s.remote.ListChats(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("failed to list remote chats: %w", err)
	}
	remoteSet := make(map[string]struct{}, len(remoteChats))
	for i := range remoteChats {
		remoteSet[remoteChats[i].ID] = struct{}{}
	}

	if err := s.reconcileGhosts(ctx, remoteSet); err != nil {
		return err
	}

	var since int64
	if !forceFull {
		since, err = s.cursors.DownloadCursor(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("failed to read download cursor: %w", err)
		}
	}

	byChat, maxTS, err := s.fetchMessages(ctx, since)
	if err != nil {
		return err
	}

	for i := range remoteChats {
		chat := remoteChats[i]
		msgs := byChat[chat.ID]
		if err := s.applyChat(ctx, chat, msgs); err != nil {
			return err
		}
		delete(byChat, chat.ID)
	}
	// Messages whose chat is not in the authoritative list belong to chats
	// deleted mid-pass; applying them would resurrect the chat.
	for chatID, msgs := range byChat {
		s.logger.Warn("Skipping messages for chat absent from authoritative list",
			"chat_id", chatID, "count", len(msgs))
	}

	if maxTS > since {
		if err := s.cursors.SetDownloadCursor(ctx, s.userID, maxTS); err != nil {
			return fmt.Errorf("failed to advance download cursor: %w", err)
		}
	}
	return nil
}

// fetchMessages pulls fixed-size pages until the remote reports a page
// with no rows at all, bounding per-request size on large histories. A
// malformed row is skipped and logged; it never aborts the pass, and a
// page whose rows were all skipped still advances to the next page.
func (s *Syncer) fetchMessages(ctx context.Context, since int64) (map[string][]chatmodel.Message, int64, error) {
	byChat := make(map[string][]chatmodel.Message)
	var maxTS int64

	for page := 0; ; page++ {
		msgs, n, err := s.remote.ListMessages(ctx, s.userID, since, s.config.PageSize, page)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to download messages page %d: %w", page, err)
		}
		if n == 0 {
			break
		}
		for i := range msgs {
			m := msgs[i]
			if err := m.Validate(); err != nil {
				s.logger.Warn("Skipping malformed remote message", "error", err)
				continue
			}
			byChat[m.ChatID] = append(byChat[m.ChatID], m)
			if m.Timestamp > maxTS {
				maxTS = m.Timestamp
			}
		}
	}
	return byChat, maxTS, nil
}

// reconcileGhosts deletes every chat present locally but absent from the
// authoritative list: it was deleted on another device, and local-only
// presence never wins.
func (s *Syncer) reconcileGhosts(ctx context.Context, remoteSet map[string]struct{}) error {
	localChats, err := s.local.GetChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local chats: %w", err)
	}
	for i := range localChats {
		chatID := localChats[i].ID
		if _, exists := remoteSet[chatID]; exists {
			continue
		}
		unlock := s.lockChat(chatID)
		err := s.local.DeleteChat(ctx, chatID)
		unlock()
		if err != nil {
			return fmt.Errorf("failed to delete ghost chat %s: %w", chatID, err)
		}
		s.logger.Info("Ghost chat removed (deleted on another device)", "chat_id", chatID)
	}
	return nil
}

// applyChat re-hydrates one chat's metadata and downloaded messages under
// the chat lock, so a concurrent upload of the same chat cannot
// interleave.
func (s *Syncer) applyChat(ctx context.Context, chat chatmodel.Chat, msgs []chatmodel.Message) error {
	unlock := s.lockChat(chat.ID)
	defer unlock()

	if err := s.local.PutChat(ctx, chat); err != nil {
		return fmt.Errorf("failed to store chat %s: %w", chat.ID, err)
	}
	if len(msgs) == 0 {
		return nil
	}
	chatmodel.SortMessages(msgs)
	if err := s.local.PutMessages(ctx, chat.ID, msgs); err != nil {
		return fmt.Errorf("failed to store messages for %s: %w", chat.ID, err)
	}
	return nil
}
