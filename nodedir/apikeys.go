// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodedir

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Scope is the permission level attached to an API key.
type Scope string

const (
	ScopeRead     Scope = "read"
	ScopeTerminal Scope = "terminal"
	ScopeAdmin    Scope = "admin"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeRead || s == ScopeTerminal || s == ScopeAdmin
}

// APIKey is a stored network API key. The key itself is never stored.
type APIKey struct {
	ID       string
	Username string

	// KeyHash is the hex blake3 hash of the full key, including its
	// spk_ prefix.
	KeyHash string

	Scope Scope

	// ExpiresAt is zero for keys that never expire.
	ExpiresAt time.Time

	CreatedAt time.Time
}

// Expired reports whether the key is expired at now.
func (k APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// APIKeys returns every stored key. The auth resolver scans all of
// them on each presentation.
func (d *Directory) APIKeys(ctx context.Context) ([]APIKey, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var keys []APIKey
	err = sqlitex.Execute(conn,
		"SELECT id, username, key_hash, scope, expires_at, created_at FROM api_keys ORDER BY created_at",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				key := APIKey{
					ID:        stmt.ColumnText(0),
					Username:  stmt.ColumnText(1),
					KeyHash:   stmt.ColumnText(2),
					Scope:     Scope(stmt.ColumnText(3)),
					CreatedAt: time.Unix(stmt.ColumnInt64(5), 0).UTC(),
				}
				if expires := stmt.ColumnInt64(4); expires > 0 {
					key.ExpiresAt = time.Unix(expires, 0).UTC()
				}
				keys = append(keys, key)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("nodedir: listing api keys: %w", err)
	}
	return keys, nil
}

// PutAPIKey stores a key record.
func (d *Directory) PutAPIKey(ctx context.Context, key APIKey) error {
	if key.ID == "" || key.Username == "" || key.KeyHash == "" {
		return fmt.Errorf("nodedir: api key id, username and hash are required")
	}
	if !key.Scope.Valid() {
		return fmt.Errorf("nodedir: invalid api key scope %q", key.Scope)
	}
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	var expires int64
	if !key.ExpiresAt.IsZero() {
		expires = key.ExpiresAt.Unix()
	}
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO api_keys (id, username, key_hash, scope, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{key.ID, key.Username, key.KeyHash, string(key.Scope), expires, created.Unix()},
		})
	if err != nil {
		return fmt.Errorf("nodedir: storing api key %q: %w", key.ID, err)
	}
	d.logger.Info("api key stored", "key_id", key.ID, "username", key.Username, "scope", key.Scope)
	return nil
}

// DeleteAPIKey removes a key. Returns ErrNotFound if no row matched.
func (d *Directory) DeleteAPIKey(ctx context.Context, id string) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM api_keys WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("nodedir: deleting api key %q: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: api key %q", ErrNotFound, id)
	}
	return nil
}
