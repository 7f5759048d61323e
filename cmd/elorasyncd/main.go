// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// elorasyncd runs the chat sync engine as a standalone daemon: a local
// SQLite store kept in sync with a Postgres cloud store, with realtime
// change delivery over LISTEN/NOTIFY and polling as the fallback.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Crscristi28/Elora-app-sub000/auth"
	"github.com/Crscristi28/Elora-app-sub000/chatstore"
	"github.com/Crscristi28/Elora-app-sub000/internal/config"
	"github.com/Crscristi28/Elora-app-sub000/remotepg"
	"github.com/Crscristi28/Elora-app-sub000/syncer"
)

var errNoToken = errors.New("ELORA_TOKEN must be set to a valid session token")

func main() {
	if err := run(); err != nil {
		log.Fatalf("elorasyncd: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.App.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Identity comes from the session token minted by the app backend.
	token := os.Getenv("ELORA_TOKEN")
	if token == "" {
		return errNoToken
	}
	identity, err := auth.NewTokenAuth(cfg.Auth.JWTSecret).ValidateToken(token)
	if err != nil {
		return err
	}

	local, err := chatstore.Open(cfg.Local.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer local.Close()

	// Echo deduplication keys on the persisted per-installation identity,
	// not the token's session device binding. EnsureDeviceID also seeds the
	// device info row the download cursor is stored on.
	deviceID, err := local.EnsureDeviceID(ctx, identity.UserID)
	if err != nil {
		return err
	}
	if identity.DeviceID != deviceID {
		logger.Debug("Token device binding differs from installation identity",
			"token_device", identity.DeviceID, "device_id", deviceID)
	}

	pool, err := pgxpool.New(ctx, cfg.Remote.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	remote, err := remotepg.NewStore(pool, logger)
	if err != nil {
		return err
	}
	if err := remote.MigrateUp(ctx); err != nil {
		return err
	}

	provider := remotepg.NewNotifyProvider(cfg.Remote.DatabaseURL, remote, cfg.SubscribeTimeout(), logger)

	syncCfg := &syncer.Config{
		PageSize:     cfg.Sync.PageSize,
		PollInterval: cfg.PollInterval(),
		BackoffMin:   cfg.BackoffMin(),
		BackoffMax:   cfg.BackoffMax(),
		Channels: syncer.ChannelManagerConfig{
			Cooldown:          syncer.DefaultChannelManagerConfig().Cooldown,
			ReconnectAttempts: cfg.Sync.ReconnectAttempts,
			QueueCap:          cfg.Sync.EventQueueCap,
		},
	}

	s, err := syncer.New(identity.UserID, deviceID, syncer.Deps{
		Local:    local,
		Remote:   remote,
		Cursors:  local,
		Queue:    local,
		Provider: provider,
		Logger:   logger,
	}, syncCfg)
	if err != nil {
		return err
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("Sync daemon started",
		"user_id", identity.UserID, "device_id", deviceID,
		"local_db", cfg.Local.DatabasePath)

	// Seed local state so a fresh install converges before the first
	// poll tick.
	if err := s.FullSync(ctx); err != nil {
		logger.Warn("Initial full sync failed, will retry on schedule", "error", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	s.Stop()
	return nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
