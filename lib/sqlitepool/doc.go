// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a zombiezen.com/go/sqlite connection pool
// with the pragmas every spaces database uses: WAL journaling,
// NORMAL synchronous, a 5 second busy timeout, and enforced foreign
// keys.
//
// Callers [Pool.Take] a connection, use it from one goroutine, and
// [Pool.Put] it back. Schema setup belongs in [Config].OnConnect so it
// runs before any connection is handed out.
package sqlitepool
