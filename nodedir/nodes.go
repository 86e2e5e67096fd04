// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nodedir

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PermissionTerminal allows opening terminals on the peer through
// federation.
const PermissionTerminal = "terminal"

// PeerNode is a remote node this node can forward sessions to.
type PeerNode struct {
	ID string

	// URL is the peer's base URL, e.g. https://east.example:3457.
	URL string

	// EncryptedAPIKey is the peer-issued API key, age-encrypted to
	// this node's identity and base64-encoded.
	EncryptedAPIKey string

	// Permissions the peer granted this node, e.g. "terminal".
	Permissions []string

	// Status is the last status reported by discovery.
	Status string

	LastSeen time.Time
}

// HasPermission reports whether the peer granted permission.
func (n PeerNode) HasPermission(permission string) bool {
	return slices.Contains(n.Permissions, permission)
}

const nodeColumns = "id, url, encrypted_api_key, permissions, status, last_seen"

// Node returns the peer with the given id, or ErrNotFound.
func (d *Directory) Node(ctx context.Context, id string) (PeerNode, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return PeerNode{}, err
	}
	defer d.pool.Put(conn)

	var node PeerNode
	found := false
	err = sqlitex.Execute(conn, "SELECT "+nodeColumns+" FROM peer_nodes WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			node = scanNode(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return PeerNode{}, fmt.Errorf("nodedir: loading node %q: %w", id, err)
	}
	if !found {
		return PeerNode{}, fmt.Errorf("%w: node %q", ErrNotFound, id)
	}
	return node, nil
}

// Nodes returns every peer, ordered by id.
func (d *Directory) Nodes(ctx context.Context) ([]PeerNode, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.Put(conn)

	var nodes []PeerNode
	err = sqlitex.Execute(conn, "SELECT "+nodeColumns+" FROM peer_nodes ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			nodes = append(nodes, scanNode(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("nodedir: listing nodes: %w", err)
	}
	return nodes, nil
}

// PutNode inserts or replaces a peer.
func (d *Directory) PutNode(ctx context.Context, node PeerNode) error {
	if node.ID == "" || node.URL == "" {
		return fmt.Errorf("nodedir: node id and url are required")
	}
	if node.Status == "" {
		node.Status = "unknown"
	}
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	var lastSeen int64
	if !node.LastSeen.IsZero() {
		lastSeen = node.LastSeen.Unix()
	}
	err = sqlitex.Execute(conn, `INSERT INTO peer_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			encrypted_api_key = excluded.encrypted_api_key,
			permissions = excluded.permissions,
			status = excluded.status,
			last_seen = excluded.last_seen`, &sqlitex.ExecOptions{
		Args: []any{node.ID, node.URL, node.EncryptedAPIKey, strings.Join(node.Permissions, ","), node.Status, lastSeen},
	})
	if err != nil {
		return fmt.Errorf("nodedir: storing node %q: %w", node.ID, err)
	}
	d.logger.Info("peer node stored", "node_id", node.ID, "url", node.URL)
	return nil
}

// DeleteNode removes a peer. Returns ErrNotFound if no row matched.
func (d *Directory) DeleteNode(ctx context.Context, id string) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM peer_nodes WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("nodedir: deleting node %q: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: node %q", ErrNotFound, id)
	}
	return nil
}

func scanNode(stmt *sqlite.Stmt) PeerNode {
	node := PeerNode{
		ID:              stmt.ColumnText(0),
		URL:             stmt.ColumnText(1),
		EncryptedAPIKey: stmt.ColumnText(2),
		Status:          stmt.ColumnText(4),
	}
	for _, permission := range strings.Split(stmt.ColumnText(3), ",") {
		if permission = strings.TrimSpace(permission); permission != "" {
			node.Permissions = append(node.Permissions, permission)
		}
	}
	if lastSeen := stmt.ColumnInt64(5); lastSeen > 0 {
		node.LastSeen = time.Unix(lastSeen, 0).UTC()
	}
	return node
}
