// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper shared by the spaces
// binaries: reporting an unrecoverable error before the structured
// logger is available.
package process
