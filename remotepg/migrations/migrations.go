// Copyright 2025 Elora App
// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the goose migrations for the remote Postgres
// store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
