// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation forwards terminal connections to panes hosted on
// peer nodes.
//
// A relay runs in two legs. The first is an HTTPS token exchange:
// POST <peer>/terminal/token, authenticated with the API key the peer
// issued to this node (stored age-encrypted in the node directory),
// returns the peer's WebSocket URL for the pane. The second leg dials
// that URL, but authenticates with the raw API key instead of the
// exchanged token: intermediate proxies between nodes drop the headers
// that would tie the token to a user, and only the API key identifies
// the caller end to end. The custom command parameter is never sent
// across either leg.
//
// Frames are relayed without interpretation. When either leg closes,
// the other is closed with the same close code.
//
// Federation is only available on the federation tier; every other
// tier is rejected before the directory is read or any connection is
// made.
package federation
