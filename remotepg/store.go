// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package remotepg implements the authoritative remote store on
// PostgreSQL: idempotent single-row upserts keyed by primary key,
// user-scoped listing with timestamp pagination, and change fan-out over
// LISTEN/NOTIFY for the realtime channels.
package remotepg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
	"github.com/Crscristi28/Elora-app-sub000/remotepg/migrations"
)

// Store is the Postgres-backed remote store. It implements
// syncer.RemoteStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool (integration tests, notify provider).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// MigrateUp runs the embedded goose migrations against the store's
// database.
func (s *Store) MigrateUp(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// UpsertChat inserts or updates one chat row for userID.
func (s *Store) UpsertChat(ctx context.Context, userID string, chat chatmodel.Chat) error {
	err := withTxRetry(ctx, s.logger, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO chats (id, user_id, title, created_at, updated_at, message_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				updated_at = EXCLUDED.updated_at,
				message_count = EXCLUDED.message_count
			WHERE chats.user_id = EXCLUDED.user_id
		`, chat.ID, userID, chat.Title, chat.CreatedAt, chat.UpdatedAt, chat.MessageCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chat %s: %w", chat.ID, classify(err))
	}
	return nil
}

// UpsertMessage inserts or updates one message row, keyed by uuid.
// Re-uploading an already-present row is a no-op apart from enrichment
// fields; uuid, chat_id and ordering keys never change.
func (s *Store) UpsertMessage(ctx context.Context, userID string, msg chatmodel.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to upload invalid message: %w", err)
	}
	extras, err := chatmodel.EncodeExtras(&msg)
	if err != nil {
		return err
	}
	var deviceID any
	if msg.DeviceID != nil {
		deviceID = *msg.DeviceID
	}
	err = withTxRetry(ctx, s.logger, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO messages (uuid, chat_id, user_id, sender, text, ts, msg_type, device_id, extras)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (uuid) DO UPDATE SET
				text = EXCLUDED.text,
				msg_type = EXCLUDED.msg_type,
				extras = EXCLUDED.extras
			WHERE messages.user_id = EXCLUDED.user_id
		`, msg.UUID, msg.ChatID, userID, string(msg.Sender), msg.Text, msg.Timestamp, msg.Type, deviceID, extras)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.UUID, classify(err))
	}
	return nil
}

// ListChats returns the authoritative chat list for userID.
func (s *Store) ListChats(ctx context.Context, userID string) ([]chatmodel.Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, created_at, updated_at, message_count
		FROM chats WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", classify(err))
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", classify(err))
	}
	return chats, nil
}

// ListMessages returns one page of the user's messages with timestamp
// strictly greater than since, across all chats, ordered by (timestamp,
// sender rank, uuid). A row that fails to decode is skipped and logged; it
// never aborts the page. The second return is the raw row count of the
// page before skipping, so callers can tell an exhausted cursor from a
// page of skipped rows.
func (s *Store) ListMessages(ctx context.Context, userID string, since int64, limit, page int) ([]chatmodel.Message, int, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT uuid, chat_id, sender, text, ts, msg_type, device_id, extras
		FROM messages
		WHERE user_id = $1 AND ts > $2
		ORDER BY ts,
			CASE sender WHEN 'user' THEN 0 WHEN 'bot' THEN 1 WHEN 'system' THEN 2 ELSE 3 END,
			uuid
		LIMIT $3 OFFSET $4
	`, userID, since, limit, page*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", classify(err))
	}
	defer rows.Close()

	var msgs []chatmodel.Message
	var n int
	for rows.Next() {
		n++
		m, err := scanMessage(rows)
		if err != nil {
			s.logger.Warn("Skipping undecodable message row", "error", err)
			continue
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating messages: %w", classify(err))
	}
	return msgs, n, nil
}

// ListMessageIDs returns the uuids stored remotely for one chat.
func (s *Store) ListMessageIDs(ctx context.Context, userID, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uuid FROM messages WHERE user_id = $1 AND chat_id = $2`, userID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids for %s: %w", chatID, classify(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChat removes a chat row; the FK cascade removes its messages.
func (s *Store) DeleteChat(ctx context.Context, chatID, userID string) error {
	err := withTxRetry(ctx, s.logger, func() error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, classify(err))
	}
	return nil
}

// fetchRowJSON loads one row of table as the JSON shape the syncer's
// handlers decode. Returns pgx.ErrNoRows if the row vanished between the
// notification and the refetch.
func (s *Store) fetchRowJSON(ctx context.Context, table, pk string) ([]byte, error) {
	var query string
	switch table {
	case "messages":
		query = `
			SELECT jsonb_build_object(
				'uuid', uuid, 'chat_id', chat_id, 'sender', sender, 'text', text,
				'timestamp', ts, 'type', msg_type, 'device_id', device_id
			) || COALESCE(extras, '{}'::jsonb)
			FROM messages WHERE uuid = $1`
	case "chats":
		query = `
			SELECT jsonb_build_object(
				'id', id, 'title', title, 'created_at', created_at,
				'updated_at', updated_at, 'message_count', message_count
			)
			FROM chats WHERE id = $1`
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}

	var payload []byte
	if err := s.pool.QueryRow(ctx, query, pk).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to fetch %s row %s: %w", table, pk, err)
	}
	return payload, nil
}

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r pgRowScanner) (*chatmodel.Message, error) {
	var m chatmodel.Message
	var sender string
	var deviceID *string
	var extras []byte
	if err := r.Scan(&m.UUID, &m.ChatID, &sender, &m.Text, &m.Timestamp, &m.Type, &deviceID, &extras); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Sender = chatmodel.Sender(sender)
	m.DeviceID = deviceID
	if len(extras) > 0 {
		if err := chatmodel.DecodeExtras(&m, extras); err != nil {
			return nil, err
		}
	}
	return &m, nil
}
