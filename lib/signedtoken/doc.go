// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signedtoken implements the HMAC-SHA256 envelope shared by
// the session cookie and the terminal token:
//
//	base64url(payload) "." base64url(HMAC-SHA256(secret, payload))
//
// The package is agnostic to payload encoding. Callers decode the
// payload returned by [Signer.Open] and apply their own expiry rules.
// Each credential scheme uses its own secret, persisted as a 0600 file
// and generated on first use by [LoadOrGenerateSecret].
package signedtoken
