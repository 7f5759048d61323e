// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package remotepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Crscristi28/Elora-app-sub000/syncer"
)

// channelPrefix namespaces the NOTIFY channels created by the migrations.
const channelPrefix = "elora_"

// NotifyProvider implements syncer.RealtimeProvider on Postgres
// LISTEN/NOTIFY. Each watched table gets a dedicated connection; the
// notification payload carries only the row key, and the provider
// refetches the row through the store before handing the event to the
// subscriber.
type NotifyProvider struct {
	dsn     string
	store   *Store
	logger  *slog.Logger
	timeout time.Duration // subscription attempt budget before timed_out
}

// NewNotifyProvider creates a provider. dsn is used for the dedicated
// listen connections; store serves the row refetches.
func NewNotifyProvider(dsn string, store *Store, timeout time.Duration, logger *slog.Logger) *NotifyProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NotifyProvider{dsn: dsn, store: store, logger: logger, timeout: timeout}
}

// changeNotice is the trigger's NOTIFY payload.
type changeNotice struct {
	Op     string `json:"op"`
	Table  string `json:"table"`
	PK     string `json:"pk"`
	UserID string `json:"user_id"`
}

type listenChannel struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *listenChannel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// OpenChannel starts listening on table's notification channel, filtered
// to userID, and reports connection-state transitions through onState.
// The connection attempt runs asynchronously; the returned closer stops
// the channel.
func (p *NotifyProvider) OpenChannel(ctx context.Context, table, userID string, onEvent func(syncer.Event), onState func(syncer.ChannelState)) (io.Closer, error) {
	if table != "chats" && table != "messages" {
		return nil, fmt.Errorf("unknown realtime table %q", table)
	}
	runCtx, cancel := context.WithCancel(ctx)
	lc := &listenChannel{cancel: cancel, done: make(chan struct{})}
	go p.run(runCtx, lc, table, userID, onEvent, onState)
	return lc, nil
}

func (p *NotifyProvider) run(ctx context.Context, lc *listenChannel, table, userID string, onEvent func(syncer.Event), onState func(syncer.ChannelState)) {
	defer close(lc.done)

	onState(syncer.StateSubscribing)

	conn, err := p.listen(ctx, table)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			onState(syncer.StateTimedOut)
		} else if ctx.Err() == nil {
			onState(syncer.StateError)
			p.logger.Warn("Failed to open listen channel", "table", table, "error", err)
		}
		return
	}
	defer conn.Close(context.WithoutCancel(ctx))

	onState(syncer.StateSubscribed)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				onState(syncer.StateError)
				p.logger.Warn("Listen connection lost", "table", table, "error", err)
			}
			return
		}
		p.handleNotification(ctx, notification.Payload, table, userID, onEvent)
	}
}

// listen dials a dedicated connection and issues LISTEN, bounded by the
// provider's subscription timeout.
func (p *NotifyProvider) listen(ctx context.Context, table string) (*pgx.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for listen: %w", err)
	}
	if _, err := conn.Exec(dialCtx, "LISTEN "+pgx.Identifier{channelPrefix + table}.Sanitize()); err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to listen on %s: %w", channelPrefix+table, err)
	}
	return conn, nil
}

func (p *NotifyProvider) handleNotification(ctx context.Context, payload, table, userID string, onEvent func(syncer.Event)) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		p.logger.Warn("Undecodable notification payload", "table", table, "error", err)
		return
	}
	// Row-level user scoping: other users' changes never reach the
	// subscriber.
	if notice.UserID != userID {
		return
	}

	ev := syncer.Event{Table: table}
	switch notice.Op {
	case "INSERT":
		ev.Type = syncer.EventInsert
	case "UPDATE":
		ev.Type = syncer.EventUpdate
	case "DELETE":
		ev.Type = syncer.EventDelete
	default:
		p.logger.Warn("Notification with unknown op", "table", table, "op", notice.Op)
		return
	}

	if ev.Type == syncer.EventDelete {
		ev.Old = deletedRowJSON(table, notice.PK)
		onEvent(ev)
		return
	}

	row, err := p.store.fetchRowJSON(ctx, table, notice.PK)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Deleted between the notification and the refetch; the delete
			// notification follows.
			return
		}
		p.logger.Warn("Failed to refetch notified row", "table", table, "pk", notice.PK, "error", err)
		return
	}
	ev.New = row
	onEvent(ev)
}

// deletedRowJSON synthesizes the minimal old-row payload for a delete
// event: just the primary key, which is all the handlers need.
func deletedRowJSON(table, pk string) json.RawMessage {
	key := "id"
	if table == "messages" {
		key = "uuid"
	}
	data, _ := json.Marshal(map[string]string{key: pk})
	return data
}
