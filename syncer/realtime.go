// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handlers receives change notifications for one table. The three handlers
// are strictly segregated: an update never reaches OnInsert and vice
// versa. A nil handler drops that event type. Handler errors and panics
// are logged per event and never tear down the channel.
type Handlers struct {
	OnInsert func(ctx context.Context, row []byte) error
	OnUpdate func(ctx context.Context, newRow, oldRow []byte) error
	OnDelete func(ctx context.Context, oldRow []byte) error
}

// ChannelManager maintains one realtime subscription per watched table,
// tracks per-table connection health, and dispatches incoming events to
// the registered handlers.
//
// Events are not dispatched from the provider callback: each table owns a
// bounded queue consumed by a single dispatcher goroutine, preserving
// per-table event order while isolating slow or failing handlers from the
// provider connection.
type ChannelManager struct {
	provider RealtimeProvider
	userID   string
	logger   *slog.Logger
	clock    Clock

	cooldown          time.Duration
	reconnectAttempts int
	queueCap          int

	mu       sync.Mutex
	subs     map[string]*tableChannel
	required []string // critical tables health is judged against
}

type tableChannel struct {
	table    string
	handlers Handlers
	state    atomic.Int32
	events   chan Event
	closer   io.Closer
	cancel   context.CancelFunc
	done     chan struct{}
	dropped  atomic.Int64
}

// ChannelManagerConfig configures a ChannelManager.
type ChannelManagerConfig struct {
	Cooldown          time.Duration // delay between unsubscribe and resubscribe during Reconnect
	ReconnectAttempts int           // bounded attempt budget for Reconnect
	QueueCap          int           // per-table event queue capacity
}

// DefaultChannelManagerConfig returns the production defaults.
func DefaultChannelManagerConfig() ChannelManagerConfig {
	return ChannelManagerConfig{
		Cooldown:          500 * time.Millisecond,
		ReconnectAttempts: 3,
		QueueCap:          256,
	}
}

// NewChannelManager creates a manager for the given user's channels.
func NewChannelManager(provider RealtimeProvider, userID string, cfg ChannelManagerConfig, clock Clock, logger *slog.Logger) *ChannelManager {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultChannelManagerConfig().Cooldown
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultChannelManagerConfig().ReconnectAttempts
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultChannelManagerConfig().QueueCap
	}
	return &ChannelManager{
		provider:          provider,
		userID:            userID,
		logger:            logger,
		clock:             clock,
		cooldown:          cfg.Cooldown,
		reconnectAttempts: cfg.ReconnectAttempts,
		queueCap:          cfg.QueueCap,
		subs:              make(map[string]*tableChannel),
	}
}

// RequireTables declares the critical tables health is judged against.
// While any required table lacks a subscribed channel, IsHealthy reports
// false even if every currently open channel is healthy, so a partial
// subscription can never disable the pool sync fallback.
func (m *ChannelManager) RequireTables(tables ...string) {
	m.mu.Lock()
	m.required = tables
	m.mu.Unlock()
}

// Subscribe opens exactly one channel for table, filtered to the manager's
// user, and routes change notifications to h. Subscribing a table that
// already has a channel is an error; use Reconnect to re-establish.
func (m *ChannelManager) Subscribe(ctx context.Context, table string, h Handlers) error {
	m.mu.Lock()
	if _, exists := m.subs[table]; exists {
		m.mu.Unlock()
		return fmt.Errorf("table %s already subscribed", table)
	}
	tc := &tableChannel{
		table:    table,
		handlers: h,
		events:   make(chan Event, m.queueCap),
		done:     make(chan struct{}),
	}
	tc.state.Store(int32(StateSubscribing))
	m.subs[table] = tc
	m.mu.Unlock()

	chanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	tc.cancel = cancel

	closer, err := m.provider.OpenChannel(chanCtx, table, m.userID,
		func(ev Event) { m.enqueue(tc, ev) },
		func(st ChannelState) {
			prev := ChannelState(tc.state.Swap(int32(st)))
			if prev != st {
				m.logger.Info("Realtime channel state changed",
					"table", table, "from", prev.String(), "to", st.String())
			}
		},
	)
	if err != nil {
		cancel()
		tc.state.Store(int32(StateError))
		m.mu.Lock()
		delete(m.subs, table)
		m.mu.Unlock()
		return fmt.Errorf("failed to open channel for %s: %w", table, err)
	}
	tc.closer = closer

	go m.dispatchLoop(chanCtx, tc)
	return nil
}

func (m *ChannelManager) enqueue(tc *tableChannel, ev Event) {
	select {
	case tc.events <- ev:
	default:
		// Queue full: drop and count. The next pool sync pass reconciles
		// anything missed.
		n := tc.dropped.Add(1)
		m.logger.Warn("Realtime event queue full, dropping event",
			"table", tc.table, "type", string(ev.Type), "dropped_total", n)
	}
}

// dispatchLoop consumes one table's event queue in order, invoking the
// segregated handlers. A failing handler invocation is logged and must
// never tear down the channel.
func (m *ChannelManager) dispatchLoop(ctx context.Context, tc *tableChannel) {
	defer close(tc.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-tc.events:
			m.dispatch(ctx, tc, ev)
		}
	}
}

func (m *ChannelManager) dispatch(ctx context.Context, tc *tableChannel, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Realtime handler panicked",
				"table", tc.table, "type", string(ev.Type), "panic", r)
		}
	}()

	var err error
	switch ev.Type {
	case EventInsert:
		if tc.handlers.OnInsert != nil {
			err = tc.handlers.OnInsert(ctx, ev.New)
		}
	case EventUpdate:
		if tc.handlers.OnUpdate != nil {
			err = tc.handlers.OnUpdate(ctx, ev.New, ev.Old)
		}
	case EventDelete:
		if tc.handlers.OnDelete != nil {
			err = tc.handlers.OnDelete(ctx, ev.Old)
		}
	default:
		m.logger.Warn("Realtime event with unknown type", "table", tc.table, "type", string(ev.Type))
	}
	if err != nil {
		m.logger.Error("Realtime handler failed",
			"table", tc.table, "type", string(ev.Type), "error", err)
	}
}

// State returns the channel state for table, StateDisconnected if the
// table has no channel.
func (m *ChannelManager) State(table string) ChannelState {
	m.mu.Lock()
	tc, ok := m.subs[table]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return ChannelState(tc.state.Load())
}

// IsHealthy reports whether every required table has a channel in the
// subscribed state, and every open channel is healthy. A required table
// with no channel at all counts unhealthy: the caller cannot rely on push
// delivery it never set up.
func (m *ChannelManager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) == 0 {
		return false
	}
	for _, table := range m.required {
		if _, ok := m.subs[table]; !ok {
			return false
		}
	}
	for _, tc := range m.subs {
		if !ChannelState(tc.state.Load()).Healthy() {
			return false
		}
	}
	return true
}

// Reconnect tears down and re-establishes every channel with its original
// handlers: snapshot handlers, unsubscribe all, cooldown, resubscribe,
// verify health. Bounded to the configured attempt budget; when it gives
// up the caller falls back to pool sync.
func (m *ChannelManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make(map[string]Handlers, len(m.subs))
	for table, tc := range m.subs {
		snapshot[table] = tc.handlers
	}
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	return retryWithBackoff(ctx, m.clock, m.reconnectAttempts, m.cooldown, m.cooldown*4, func(ctx context.Context) error {
		m.UnsubscribeAll()
		if err := m.clock.Sleep(ctx, m.cooldown); err != nil {
			return err
		}
		for table, h := range snapshot {
			if err := m.Subscribe(ctx, table, h); err != nil {
				return err
			}
		}
		// Providers report the subscribed state asynchronously; allow a
		// bounded grace period before judging health.
		for i := 0; i < 4; i++ {
			if m.IsHealthy() {
				return nil
			}
			if err := m.clock.Sleep(ctx, m.cooldown); err != nil {
				return err
			}
		}
		return fmt.Errorf("channels not healthy after resubscribe")
	})
}

// UnsubscribeAll closes every channel and stops its dispatcher. Mandatory
// cleanup path on logout.
func (m *ChannelManager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*tableChannel)
	m.mu.Unlock()

	for table, tc := range subs {
		if tc.closer != nil {
			if err := tc.closer.Close(); err != nil {
				m.logger.Warn("Failed to close realtime channel", "table", table, "error", err)
			}
		}
		if tc.cancel != nil {
			tc.cancel()
		}
		<-tc.done
		tc.state.Store(int32(StateDisconnected))
	}
}
