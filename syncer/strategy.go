// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"log/slog"
	"sync"
	"time"
)

// HealthReporter is the slice of ChannelManager the strategy cares about.
type HealthReporter interface {
	IsHealthy() bool
}

// Strategy decides, at any instant, whether the client relies on push
// (realtime) delivery or must fall back to pool (polling) sync, and
// deduplicates redundant pool runs. All methods are safe for concurrent
// use and idempotent: repeated calls with unchanged inputs produce no
// additional side effects beyond the first transition's log line.
type Strategy struct {
	mu           sync.Mutex
	usePoolSync  bool // starts true until realtime is proven healthy
	isBackground bool
	lastPoolSync time.Time
	realtime     HealthReporter // nil when no realtime manager is registered

	dedupWindow time.Duration
	clock       Clock
	logger      *slog.Logger
}

// poolSyncDedupWindow suppresses reconciliation passes re-triggered by
// lifecycle signals firing together (network-online plus visibility
// change).
const poolSyncDedupWindow = 3 * time.Second

// NewStrategy creates a strategy coordinator. realtime may be nil.
func NewStrategy(realtime HealthReporter, clock Clock, logger *slog.Logger) *Strategy {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		usePoolSync: true,
		realtime:    realtime,
		dedupWindow: poolSyncDedupWindow,
		clock:       clock,
		logger:      logger,
	}
}

// SetRealtime registers (or clears) the realtime manager consulted by
// CheckStrategy.
func (s *Strategy) SetRealtime(r HealthReporter) {
	s.mu.Lock()
	s.realtime = r
	s.mu.Unlock()
}

// SetBackground records the app lifecycle state. While backgrounded, push
// delivery cannot be trusted, so pool sync is forced regardless of channel
// health.
func (s *Strategy) SetBackground(background bool) {
	s.mu.Lock()
	changed := s.isBackground != background
	s.isBackground = background
	s.mu.Unlock()
	if changed {
		s.logger.Info("App lifecycle changed", "background", background)
	}
}

// CheckStrategy re-evaluates the push-vs-pool decision and returns true
// when pool sync must be used. Priority order: background state, realtime
// registration, realtime health.
func (s *Strategy) CheckStrategy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var want bool
	var reason string
	switch {
	case s.isBackground:
		want, reason = true, "app backgrounded"
	case s.realtime == nil:
		want, reason = true, "no realtime manager registered"
	case !s.realtime.IsHealthy():
		want, reason = true, "realtime channels unhealthy"
	default:
		want, reason = false, "realtime healthy"
	}

	if want != s.usePoolSync {
		s.usePoolSync = want
		s.logger.Info("Sync strategy changed", "use_pool_sync", want, "reason", reason)
	}
	return s.usePoolSync
}

// UsePoolSync returns the current decision without re-evaluating.
func (s *Strategy) UsePoolSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usePoolSync
}

// ShouldSkipPoolSync reports whether a pool sync completed recently enough
// that another run would be redundant.
func (s *Strategy) ShouldSkipPoolSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPoolSync.IsZero() {
		return false
	}
	return s.clock.Now().Sub(s.lastPoolSync) < s.dedupWindow
}

// MarkPoolSyncDone records the completion time of a pool sync pass.
func (s *Strategy) MarkPoolSyncDone() {
	s.mu.Lock()
	s.lastPoolSync = s.clock.Now()
	s.mu.Unlock()
}
