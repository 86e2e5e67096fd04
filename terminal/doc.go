// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal binds long-running pane processes to WebSocket
// clients.
//
// A [Registry] maps pane ids to sessions. The first authenticated
// connection for an unknown pane id spawns its process through a
// [Spawner]; later connections attach to the same session, receive a
// ready frame with reattached set, and get the buffered output replayed
// before any live output. Closing a socket only detaches it. A session
// ends when its process exits (it stays attachable for the exit grace
// window) or when it is killed through DELETE /terminal/sessions/{id}.
//
// Each session is an actor goroutine that owns its output buffer and
// attached socket. Process output and process exit travel through the
// same mailbox, so clients always see the exit frame after the last
// output. Each socket has its own writer goroutine fed by an unbounded
// queue; a client that falls more than MaxQueuedFrames behind is
// disconnected rather than slowing the process down.
//
// Frames are JSON objects keyed by "type" (see [ServerFrame] and
// [ClientFrame]). Client messages that are not typed frames are
// written to the process as raw input; typed frames of an unknown type
// are rejected.
//
// [Server] also serves the token exchange used by peer nodes
// (POST /terminal/token), session listing, and a health endpoint.
package terminal
