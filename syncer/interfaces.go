// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package syncer is the synchronization core of the Elora chat client.
// It keeps the per-device local store and the shared remote store
// eventually consistent: push-based realtime change notifications when the
// channels are healthy, incremental pool (polling) sync as the fallback.
//
// The package owns no storage or transport of its own; everything durable
// or networked is consumed through the interfaces below so tests can
// supply fakes.
package syncer

import (
	"context"
	"encoding/json"
	"io"

	"github.com/Crscristi28/Elora-app-sub000/chatmodel"
)

// LocalStore is the durable per-device store of chats and messages.
// All calls are atomic.
type LocalStore interface {
	GetChats(ctx context.Context) ([]chatmodel.Chat, error)
	GetChat(ctx context.Context, chatID string) (*chatmodel.Chat, error)
	GetMessages(ctx context.Context, chatID string) ([]chatmodel.Message, error)
	PutChat(ctx context.Context, chat chatmodel.Chat) error
	PutMessages(ctx context.Context, chatID string, msgs []chatmodel.Message) error
	DeleteChat(ctx context.Context, chatID string) error
	HasMessage(ctx context.Context, msgUUID string) (bool, error)
}

// RemoteStore is the authoritative multi-device database. Upserts are
// single-row, keyed by primary key, and idempotent; all rows are scoped to
// a user.
type RemoteStore interface {
	UpsertChat(ctx context.Context, userID string, chat chatmodel.Chat) error
	UpsertMessage(ctx context.Context, userID string, msg chatmodel.Message) error
	ListChats(ctx context.Context, userID string) ([]chatmodel.Chat, error)
	// ListMessages returns one fixed-size page of the user's messages with
	// timestamp strictly greater than since, ordered by (timestamp, sender
	// rank, uuid), plus the raw number of rows in the page before any rows
	// were skipped as undecodable. Page numbering starts at 0; pagination
	// terminates only when the raw count is zero, so a page whose rows were
	// all skipped does not end the pass.
	ListMessages(ctx context.Context, userID string, since int64, limit, page int) ([]chatmodel.Message, int, error)
	// ListMessageIDs returns the uuids currently stored remotely for one
	// chat. Used once per chat as the upload diff fallback when no upload
	// cursor exists yet.
	ListMessageIDs(ctx context.Context, userID, chatID string) ([]string, error)
	DeleteChat(ctx context.Context, chatID, userID string) error
}

// CursorStore persists the incremental-sync positions: one upload cursor
// per chat, one global download cursor per user.
type CursorStore interface {
	ChatCursor(ctx context.Context, chatID string) (ts int64, ok bool, err error)
	SetChatCursor(ctx context.Context, chatID string, ts int64) error
	DownloadCursor(ctx context.Context, userID string) (int64, error)
	SetDownloadCursor(ctx context.Context, userID string, ts int64) error
}

// QueueStore persists the set of chats whose upload failed or was
// deferred. Entries are removed only after a confirmed successful upload.
type QueueStore interface {
	Enqueue(ctx context.Context, chatID string) error
	Dequeue(ctx context.Context, chatID string) error
	PendingChats(ctx context.Context) ([]string, error)
	QueueSize(ctx context.Context) (int, error)
}

// EventType tags a realtime change notification.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change notification delivered over a realtime channel.
// New carries the row after the change (nil for deletes), Old the row
// before it (nil for inserts; may be primary-key-only depending on the
// provider).
type Event struct {
	Table string          `json:"table"`
	Type  EventType       `json:"type"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// ChannelState is the connection state of one table's realtime channel.
type ChannelState int

const (
	StateDisconnected ChannelState = iota
	StateSubscribing
	StateSubscribed
	StateError
	StateTimedOut
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Healthy reports whether the state counts as healthy. A stale-but-
// subscribed channel is healthy: liveness is inferred from connection
// state, not from recent event arrival.
func (s ChannelState) Healthy() bool { return s == StateSubscribed }

// RealtimeProvider opens push channels. One channel watches one table,
// filtered to one user. The provider invokes onEvent for every change
// notification and onState on every connection-state transition; both may
// be called from provider-owned goroutines.
type RealtimeProvider interface {
	OpenChannel(ctx context.Context, table, userID string, onEvent func(Event), onState func(ChannelState)) (io.Closer, error)
}
