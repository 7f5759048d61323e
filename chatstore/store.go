// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package chatstore is the durable per-device store of chats and messages,
// backed by SQLite. Alongside the business tables it owns the sync metadata
// the coordinators persist across restarts: the device identity, the
// per-chat upload cursors, the global download cursor and the retry queue.
package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// ErrChatNotFound is the shared not-found sentinel, re-exported for
// convenience.
var ErrChatNotFound = chatmodel.ErrChatNotFound

// Store wraps a SQLite database holding one user's chats and messages.
// All exported methods are safe for concurrent use; writes are serialized
// on a single mutex to avoid SQLite locking issues.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (creating if needed) the store at path. Use ":memory:" for
// tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing SQLite handle and initializes the schema.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers that need raw access
// (primarily tests).
func (s *Store) DB() *sql.DB { return s.db }

func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked during sync writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			uuid      TEXT PRIMARY KEY,
			chat_id   TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sender    TEXT NOT NULL CHECK (sender IN ('user','bot','system')),
			text      TEXT NOT NULL DEFAULT '',
			ts        INTEGER NOT NULL,
			msg_type  TEXT NOT NULL DEFAULT '',
			device_id TEXT,
			extras    TEXT -- JSON: attachments, sources, metadata
		)`,

		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts)`,

		// Device/user info (one row per signed-in user; in practice one row).
		`CREATE TABLE IF NOT EXISTS _sync_device_info (
			user_id         TEXT PRIMARY KEY,
			device_id       TEXT NOT NULL,
			download_cursor INTEGER NOT NULL DEFAULT 0
		)`,

		// Per-chat upload cursor: everything at or before uploaded_until is
		// confirmed on the server.
		`CREATE TABLE IF NOT EXISTS _sync_chat_cursor (
			chat_id        TEXT PRIMARY KEY,
			uploaded_until INTEGER NOT NULL DEFAULT 0
		)`,

		// Chats whose upload failed or was deferred; removed only after a
		// confirmed successful upload.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			chat_id   TEXT PRIMARY KEY,
			queued_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			attempts  INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID returns the persisted per-installation device identity for
// userID, generating and storing a new one on first run. The identity is
// never rotated; it is used purely for realtime echo deduplication.
func (s *Store) EnsureDeviceID(ctx context.Context, userID string) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id FROM _sync_device_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO _sync_device_info (user_id, device_id, download_cursor)
			VALUES (?, ?, 0)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// GetChats returns all chats ordered by updated_at descending.
func (s *Store) GetChats(ctx context.Context) ([]chatmodel.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count
		FROM chats ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []chatmodel.Chat
	for rows.Next() {
		var c chatmodel.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat or ErrChatNotFound.
func (s *Store) GetChat(ctx context.Context, chatID string) (*chatmodel.Chat, error) {
	var c chatmodel.Chat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count
		FROM chats WHERE id = ?
	`, chatID).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chat %s: %w", chatID, err)
	}
	return &c, nil
}

// GetMessages returns a chat's messages in canonical order.
func (s *Store) GetMessages(ctx context.Context, chatID string) ([]chatmodel.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, chat_id, sender, text, ts, msg_type, device_id, extras
		FROM messages WHERE chat_id = ?
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for %s: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []chatmodel.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	chatmodel.SortMessages(msgs)
	return msgs, nil
}

// HasMessage reports whether a message with the given uuid exists locally.
// This is the secondary echo-suppression check for realtime inserts.
func (s *Store) HasMessage(ctx context.Context, msgUUID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE uuid = ?)`, msgUUID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// PutChat upserts a chat row.
func (s *Store) PutChat(ctx context.Context, chat chatmodel.Chat) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, created_at, updated_at, message_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count
	`, chat.ID, chat.Title, chat.CreatedAt, chat.UpdatedAt, chat.MessageCount)
	if err != nil {
		return fmt.Errorf("failed to upsert chat %s: %w", chat.ID, err)
	}
	return nil
}

// PutMessages upserts the given messages into chatID atomically and
// refreshes the chat's message_count. Upserts are keyed by uuid, so
// re-applying an already-present row is a no-op apart from enrichment
// fields (text, extras) being overwritten; uuid, chat_id and ordering keys
// never change.
func (s *Store) PutMessages(ctx context.Context, chatID string, msgs []chatmodel.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		m := &msgs[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("refusing to store invalid message: %w", err)
		}
		extras, err := chatmodel.EncodeExtras(m)
		if err != nil {
			return err
		}
		var deviceID any
		if m.DeviceID != nil {
			deviceID = *m.DeviceID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (uuid, chat_id, sender, text, ts, msg_type, device_id, extras)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				text = excluded.text,
				msg_type = excluded.msg_type,
				extras = excluded.extras
		`, m.UUID, chatID, string(m.Sender), m.Text, m.Timestamp, m.Type, deviceID, string(extras))
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.UUID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET message_count = (SELECT COUNT(*) FROM messages WHERE chat_id = ?)
		WHERE id = ?
	`, chatID, chatID); err != nil {
		return fmt.Errorf("failed to refresh message count for %s: %w", chatID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message upserts: %w", err)
	}
	return nil
}

// DeleteChat removes a chat and (via FK cascade) its messages, along with
// its upload cursor and any queue entry. Deleting an absent chat is a
// no-op.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM chats WHERE id = ?`,
		`DELETE FROM _sync_chat_cursor WHERE chat_id = ?`,
		`DELETE FROM _sync_queue WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat deletion: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*chatmodel.Message, error) {
	var m chatmodel.Message
	var sender string
	var deviceID sql.NullString
	var extras sql.NullString
	if err := r.Scan(&m.UUID, &m.ChatID, &sender, &m.Text, &m.Timestamp, &m.Type, &deviceID, &extras); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Sender = chatmodel.Sender(sender)
	if deviceID.Valid {
		d := deviceID.String
		m.DeviceID = &d
	}
	if extras.Valid && extras.String != "" {
		if err := chatmodel.DecodeExtras(&m, []byte(extras.String)); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
