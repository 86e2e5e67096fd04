// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the select
// with a wall-clock timeout that keeps a broken test from hanging.
// [Eventually] polls for state changed on another goroutine.
// [UniqueID] generates collision-free identifiers.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
