// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ELORA_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "elorasyncd", cfg.App.Name)
	require.Equal(t, 500, cfg.Sync.PageSize)
	require.Equal(t, 15*time.Second, cfg.PollInterval())
	require.Equal(t, time.Second, cfg.BackoffMin())
	require.Equal(t, time.Minute, cfg.BackoffMax())
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[local]
database_path = "/tmp/chat.db"

[sync]
page_size = 100
poll_interval_secs = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("ELORA_CONFIG", path)
	t.Setenv("ELORA_PAGE_SIZE", "250")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/chat.db", cfg.Local.DatabasePath)
	require.Equal(t, 250, cfg.Sync.PageSize, "env override wins over file")
	require.Equal(t, 5*time.Second, cfg.PollInterval())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))
	t.Setenv("ELORA_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}
