// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the shared CBOR configuration.
//
// JSON is used on every external surface: WebSocket frames, the token
// exchange response, the session cookie payload. CBOR is used where a
// compact, deterministic binary encoding matters, currently the
// terminal token payload carried in a URL query parameter.
//
//	data, err := codec.Marshal(claims)
//	err = codec.Unmarshal(data, &claims)
//
// Struct fields carry `cbor` tags with short keys; fxamacker/cbor
// falls back to `json` tags when a `cbor` tag is absent.
package codec
