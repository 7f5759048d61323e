// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// subscribeRealtime opens the push channels for the watched tables and
// wires them into the local store.
func (s *Syncer) subscribeRealtime(ctx context.Context) error {
	if err := s.channels.Subscribe(ctx, TableChats, Handlers{
		OnInsert: s.onChatUpsert,
		OnUpdate: func(ctx context.Context, newRow, _ []byte) error { return s.onChatUpsert(ctx, newRow) },
		OnDelete: s.onChatDelete,
	}); err != nil {
		return err
	}
	if err := s.channels.Subscribe(ctx, TableMessages, Handlers{
		OnInsert: s.onMessageInsert,
		OnUpdate: func(ctx context.Context, newRow, _ []byte) error { return s.onMessageUpdate(ctx, newRow) },
		OnDelete: s.onMessageDelete,
	}); err != nil {
		// A lingering chats-only subscription would later be resubscribed
		// without the messages table by Reconnect's snapshot.
		s.channels.UnsubscribeAll()
		return err
	}
	s.strategy.CheckStrategy()
	return nil
}

func (s *Syncer) onChatUpsert(ctx context.Context, row []byte) error {
	var chat chatmodel.Chat
	if err := json.Unmarshal(row, &chat); err != nil {
		return fmt.Errorf("failed to decode chat row: %w", err)
	}
	if chat.ID == "" {
		return fmt.Errorf("chat row with empty id")
	}
	unlock := s.lockChat(chat.ID)
	defer unlock()
	if err := s.local.PutChat(ctx, chat); err != nil {
		return fmt.Errorf("failed to apply chat change: %w", err)
	}
	return nil
}

func (s *Syncer) onChatDelete(ctx context.Context, oldRow []byte) error {
	var chat chatmodel.Chat
	if err := json.Unmarshal(oldRow, &chat); err != nil {
		return fmt.Errorf("failed to decode deleted chat row: %w", err)
	}
	if chat.ID == "" {
		return fmt.Errorf("deleted chat row with empty id")
	}
	unlock := s.lockChat(chat.ID)
	defer unlock()
	if err := s.local.DeleteChat(ctx, chat.ID); err != nil {
		return fmt.Errorf("failed to apply chat deletion: %w", err)
	}
	s.logger.Info("Chat deleted via realtime", "chat_id", chat.ID)
	return nil
}

// onMessageInsert applies an incoming message row after two layers of echo
// defense: the device id check (our own write echoing back) and the uuid
// existence check (legacy rows with null device ids, multi-tab duplicates,
// races past the first check). Only after both pass is the row applied.
func (s *Syncer) onMessageInsert(ctx context.Context, row []byte) error {
	msg, err := decodeMessageRow(row)
	if err != nil {
		return err
	}

	if msg.DeviceID != nil && *msg.DeviceID == s.deviceID {
		s.logger.Debug("Suppressing self-echo", "uuid", msg.UUID)
		return nil
	}
	exists, err := s.local.HasMessage(ctx, msg.UUID)
	if err != nil {
		return fmt.Errorf("failed to check for duplicate %s: %w", msg.UUID, err)
	}
	if exists {
		s.logger.Debug("Suppressing duplicate message", "uuid", msg.UUID)
		return nil
	}

	return s.applyIncomingMessage(ctx, msg)
}

// onMessageUpdate applies an enrichment update (e.g. a storage URL
// attached after an async upload). Updates never change uuid, chat id or
// ordering keys, so re-applying our own echo is harmless and the upsert is
// idempotent.
func (s *Syncer) onMessageUpdate(ctx context.Context, row []byte) error {
	msg, err := decodeMessageRow(row)
	if err != nil {
		return err
	}
	return s.applyIncomingMessage(ctx, msg)
}

// onMessageDelete: messages are append-only; single-message deletions only
// arrive as part of a chat cascade, which the chats channel already
// handles. Logged for visibility, otherwise ignored.
func (s *Syncer) onMessageDelete(_ context.Context, oldRow []byte) error {
	var probe struct {
		UUID string `json:"uuid"`
	}
	_ = json.Unmarshal(oldRow, &probe)
	s.logger.Debug("Ignoring single-message delete event", "uuid", probe.UUID)
	return nil
}

func (s *Syncer) applyIncomingMessage(ctx context.Context, msg *chatmodel.Message) error {
	unlock := s.lockChat(msg.ChatID)
	defer unlock()

	// The chat row may not have arrived yet (channel ordering across
	// tables is not guaranteed); create a placeholder the chats channel or
	// next download will flesh out.
	if _, err := s.local.GetChat(ctx, msg.ChatID); err != nil {
		if !errors.Is(err, chatmodel.ErrChatNotFound) {
			return fmt.Errorf("failed to load chat %s: %w", msg.ChatID, err)
		}
		placeholder := chatmodel.Chat{
			ID:        msg.ChatID,
			CreatedAt: msg.Timestamp,
			UpdatedAt: msg.Timestamp,
		}
		if err := s.local.PutChat(ctx, placeholder); err != nil {
			return fmt.Errorf("failed to create placeholder chat %s: %w", msg.ChatID, err)
		}
	}

	if err := s.local.PutMessages(ctx, msg.ChatID, []chatmodel.Message{*msg}); err != nil {
		return fmt.Errorf("failed to apply message %s: %w", msg.UUID, err)
	}
	return nil
}

func decodeMessageRow(row []byte) (*chatmodel.Message, error) {
	var msg chatmodel.Message
	if err := json.Unmarshal(row, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message row: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("malformed message row: %w", err)
	}
	return &msg, nil
}
