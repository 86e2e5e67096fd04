// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodedir

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ShellUser returns the OS account mapped to username. ok is false
// when no mapping exists.
func (d *Directory) ShellUser(ctx context.Context, username string) (osUser string, ok bool, err error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT os_user FROM shell_accounts WHERE username = ?", &sqlitex.ExecOptions{
		Args: []any{username},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			osUser = stmt.ColumnText(0)
			ok = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("nodedir: looking up shell user for %q: %w", username, err)
	}
	return osUser, ok, nil
}

// PutShellAccount maps username to osUser, replacing any previous
// mapping.
func (d *Directory) PutShellAccount(ctx context.Context, username, osUser string) error {
	if username == "" || osUser == "" {
		return fmt.Errorf("nodedir: username and os user are required")
	}
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO shell_accounts (username, os_user) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET os_user = excluded.os_user`,
		&sqlitex.ExecOptions{Args: []any{username, osUser}})
	if err != nil {
		return fmt.Errorf("nodedir: mapping %q: %w", username, err)
	}
	d.logger.Info("shell account mapped", "username", username, "os_user", osUser)
	return nil
}
