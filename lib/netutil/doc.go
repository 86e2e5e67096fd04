// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds network helpers shared by the terminal server
// and the federation proxy.
//
// Response helpers ([ReadResponse], [DecodeResponse], [ErrorBody])
// bound every read of a peer's HTTP response. [IsExpectedCloseError]
// classifies teardown errors from sockets and WebSockets so callers
// can treat them as detaches. [IsLocalOrContainer] classifies remote
// addresses for the local sentinel credential.
package netutil
