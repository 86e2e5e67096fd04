// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of a spaces node.
//
// A file is named either by the SPACES_CONFIG environment variable
// ([Load]) or by a --config flag ([LoadFile]). Values absent from the
// file keep their [Default]. Durations use Go syntax ("30s", "2m").
//
// After loading, ${HOME}, ${SPACES_STATE} and ${VAR:-default} patterns
// in path fields are expanded. No other environment variable overrides
// a configured value.
//
// [Tier] gates deployment-specific behavior: the desktop-local
// sentinel token and the federation proxy.
package config
