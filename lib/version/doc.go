// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build information for the spaces binaries.
//
// Values are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/jlongo78/spaces-sub000/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Unset values default to "unknown" and "0.1.0-dev".
package version
