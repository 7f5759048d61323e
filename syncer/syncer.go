// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TableChats and TableMessages are the watched realtime tables.
const (
	TableChats    = "chats"
	TableMessages = "messages"
)

// Config holds tuning knobs for the syncer.
type Config struct {
	PageSize     int           // download page size, e.g. 500
	BackoffMin   time.Duration // queue drain backoff floor
	BackoffMax   time.Duration // queue drain backoff ceiling
	PollInterval time.Duration // pool sync / health check period
	Channels     ChannelManagerConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		PageSize:     500,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		PollInterval: 15 * time.Second,
		Channels:     DefaultChannelManagerConfig(),
	}
}

// Status is the application-visible sync state.
type Status struct {
	Online         bool `json:"online"`
	SyncInProgress bool `json:"sync_in_progress"`
	QueueSize      int  `json:"queue_size"`
}

// Syncer wires the coordinators together behind the surface the
// application calls: uploads, full and incremental sync passes, chat
// deletion, lifecycle hooks and status.
type Syncer struct {
	local   LocalStore
	remote  RemoteStore
	cursors CursorStore
	queue   QueueStore

	channels *ChannelManager // nil when no realtime provider is registered
	strategy *Strategy

	config *Config
	logger *slog.Logger
	clock  Clock

	userID   string
	deviceID string

	online         atomic.Bool
	disabled       atomic.Bool // set on auth failure, cleared by SetIdentity
	syncInProgress atomic.Bool

	// Per-chat serialization: a chat's upload and a ghost-deletion of the
	// same chat must not interleave. Cross-chat operations are independent.
	chatMu    sync.Mutex
	chatLocks map[string]*sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are the collaborators a Syncer needs. Provider may be nil; the
// syncer then runs on pool sync permanently.
type Deps struct {
	Local    LocalStore
	Remote   RemoteStore
	Cursors  CursorStore
	Queue    QueueStore
	Provider RealtimeProvider
	Clock    Clock
	Logger   *slog.Logger
}

// New creates a Syncer for the resolved user identity. deviceID is the
// stable per-installation identity used for realtime echo deduplication.
func New(userID, deviceID string, deps Deps, config *Config) (*Syncer, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID must be provided")
	}
	if deps.Local == nil || deps.Remote == nil || deps.Cursors == nil || deps.Queue == nil {
		return nil, fmt.Errorf("local, remote, cursor and queue stores must all be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}

	s := &Syncer{
		local:     deps.Local,
		remote:    deps.Remote,
		cursors:   deps.Cursors,
		queue:     deps.Queue,
		config:    config,
		logger:    logger,
		clock:     clock,
		userID:    userID,
		deviceID:  deviceID,
		chatLocks: make(map[string]*sync.Mutex),
	}
	s.online.Store(true)

	if deps.Provider != nil {
		s.channels = NewChannelManager(deps.Provider, userID, config.Channels, clock, logger)
		s.channels.RequireTables(TableChats, TableMessages)
		s.strategy = NewStrategy(s.channels, clock, logger)
	} else {
		s.strategy = NewStrategy(nil, clock, logger)
	}
	return s, nil
}

// Channels exposes the realtime channel manager (nil without a provider).
func (s *Syncer) Channels() *ChannelManager { return s.channels }

// StrategyCoordinator exposes the strategy coordinator.
func (s *Syncer) StrategyCoordinator() *Strategy { return s.strategy }

// lockChat acquires the per-chat mutex, creating it on first use.
func (s *Syncer) lockChat(chatID string) func() {
	s.chatMu.Lock()
	mu, ok := s.chatLocks[chatID]
	if !ok {
		mu = &sync.Mutex{}
		s.chatLocks[chatID] = mu
	}
	s.chatMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Start subscribes the realtime channels and launches the background
// loops: the periodic strategy check with pool sync fallback, and the
// queue drain. Stop cancels them.
func (s *Syncer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.channels != nil {
		if err := s.subscribeRealtime(runCtx); err != nil {
			// Not fatal: strategy falls back to pool sync.
			s.logger.Warn("Realtime subscription failed, relying on pool sync", "error", err)
		}
	}

	s.wg.Add(2)
	go s.strategyLoop(runCtx)
	go s.queueDrainLoop(runCtx)
	return nil
}

// Stop cancels the background loops and closes all realtime channels.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.channels != nil {
		s.channels.UnsubscribeAll()
	}
	s.wg.Wait()
}

// strategyLoop periodically re-evaluates push-vs-pool and runs an
// incremental pool sync pass when pull is the active strategy.
func (s *Syncer) strategyLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		usePool := s.strategy.CheckStrategy()
		if !usePool {
			continue
		}

		// Push is not trusted right now. Try to heal the channels in the
		// foreground case, and reconcile via pool sync either way.
		if s.channels != nil && !s.channels.IsHealthy() {
			if err := s.channels.Reconnect(ctx); err != nil {
				s.logger.Warn("Realtime reconnect gave up, staying on pool sync", "error", err)
			} else {
				s.strategy.CheckStrategy()
			}
		}

		if s.strategy.ShouldSkipPoolSync() {
			continue
		}
		if err := s.BackgroundSync(ctx); err != nil && !errors.Is(err, ErrSyncDisabled) {
			s.logger.Warn("Pool sync pass failed", "error", err)
		}
	}
}

// Status reports the application-visible sync state.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	size, err := s.queue.QueueSize(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read queue size: %w", err)
	}
	return Status{
		Online:         s.online.Load(),
		SyncInProgress: s.syncInProgress.Load(),
		QueueSize:      size,
	}, nil
}

// SetBackground records the app lifecycle state and re-evaluates the
// strategy.
func (s *Syncer) SetBackground(background bool) {
	s.strategy.SetBackground(background)
	s.strategy.CheckStrategy()
}

// NotifyNetworkOnline marks the client online and opportunistically drains
// the queue plus an incremental pool sync pass (deduplicated against other
// lifecycle signals firing together).
func (s *Syncer) NotifyNetworkOnline(ctx context.Context) {
	wasOffline := !s.online.Swap(true)
	if wasOffline {
		s.logger.Info("Network online")
	}
	if err := s.drainQueue(ctx); err != nil {
		s.logger.Warn("Queue drain after network online failed", "error", err)
	}
	if s.strategy.CheckStrategy() && !s.strategy.ShouldSkipPoolSync() {
		if err := s.BackgroundSync(ctx); err != nil && !errors.Is(err, ErrSyncDisabled) {
			s.logger.Warn("Pool sync after network online failed", "error", err)
		}
	}
}

// SetIdentity re-enables sync with a freshly resolved identity after an
// auth failure.
func (s *Syncer) SetIdentity(userID, deviceID string) {
	s.userID = userID
	s.deviceID = deviceID
	s.disabled.Store(false)
	s.logger.Info("Sync identity re-established")
}

// noteRemoteError updates online/disabled bookkeeping from a remote store
// failure and reports whether the error is an auth failure.
func (s *Syncer) noteRemoteError(err error) (authFailure bool) {
	if errors.Is(err, ErrUnauthorized) {
		if !s.disabled.Swap(true) {
			s.logger.Error("Sync disabled: remote store rejected identity", "error", err)
		}
		return true
	}
	if s.online.Swap(false) {
		s.logger.Info("Network offline (remote operation failed)", "error", err)
	}
	return false
}

// DeleteChat deletes a chat locally and remotely. The local deletion
// always wins immediately; the remote deletion is best-effort and the
// remote store stays authoritative for other devices.
func (s *Syncer) DeleteChat(ctx context.Context, chatID string) error {
	if s.disabled.Load() {
		return ErrSyncDisabled
	}
	unlock := s.lockChat(chatID)
	defer unlock()

	if err := s.local.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("failed to delete chat %s locally: %w", chatID, err)
	}
	if err := s.remote.DeleteChat(ctx, chatID, s.userID); err != nil {
		if s.noteRemoteError(err) {
			return fmt.Errorf("failed to delete chat %s remotely: %w", chatID, err)
		}
		// Transient: other devices keep the chat until the delete goes
		// through on a later explicit attempt; the remote store remains
		// authoritative either way.
		s.logger.Warn("Remote chat deletion failed", "chat_id", chatID, "error", err)
		return nil
	}
	s.online.Store(true)
	return nil
}
