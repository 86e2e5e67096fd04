// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodedir is the SQLite-backed node directory: peer nodes with
// their sealed API keys, the network API keys this node accepts, and
// the mapping from spaces usernames to OS shell accounts.
//
// The terminal server only reads the directory. Rows are written by
// peer discovery, the admin surface, and the spaces-node provisioning
// CLI, all through the Put methods here.
//
// API keys are stored as blake3 hashes, never in plaintext. Peer keys
// are stored age-encrypted (see lib/sealed) because the federation
// proxy must present them to the peer.
package nodedir
