// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodedir

import (
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/jlongo78/spaces-sub000/lib/sqlitepool"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("nodedir: not found")

const schema = `
CREATE TABLE IF NOT EXISTS peer_nodes (
	id                TEXT PRIMARY KEY,
	url               TEXT NOT NULL,
	encrypted_api_key TEXT NOT NULL,
	permissions       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'unknown',
	last_seen         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	scope      TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shell_accounts (
	username TEXT PRIMARY KEY,
	os_user  TEXT NOT NULL
);
`

// Config holds the parameters for Open.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Directory is a handle on the node directory. Safe for concurrent
// use.
type Directory struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if needed) the directory database.
func Open(cfg Config) (*Directory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("nodedir: %w", err)
	}
	return &Directory{pool: pool, logger: logger}, nil
}

// Close releases the database.
func (d *Directory) Close() error {
	return d.pool.Close()
}
