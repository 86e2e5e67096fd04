// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the peer API keys held in
// the node directory.
//
// Each node owns an x25519 identity stored in its state directory.
// Operators provisioning a peer encrypt the peer's API key to this
// node's recipient with [Encrypt]; the federation proxy recovers it
// with [Decrypt] immediately before the token exchange. Ciphertext is
// base64-encoded so it fits a TEXT column.
//
// age authenticates every payload chunk. [Decrypt] either returns the
// complete original plaintext or an error wrapping [ErrDecrypt]; it
// never returns partially decrypted or corrupted bytes.
package sealed
