// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth resolves the identity behind a terminal connection.
//
// A [Resolver] evaluates the presented [Credentials] in a fixed
// priority order and returns the first scheme that verifies:
//
//  1. the spaces_session cookie (HMAC-signed JSON: sub, role, exp)
//  2. a terminal token (HMAC-signed CBOR: sub, exp; short-lived)
//  3. the desktop-local sentinel (trusted tiers and local addresses)
//  4. a network API key with the spk_ prefix
//
// A credential that is present but invalid does not stop evaluation;
// the next scheme is tried. When nothing verifies, Resolve returns
// [ErrUnauthenticated]. There is no anonymous result.
//
// API keys are checked against every stored hash with a constant-time
// comparison and no early exit, so response timing does not reveal
// which stored key (if any) was close.
package auth
