// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentwatch discovers the session id an agent assigns itself
// after it starts.
//
// Claude Code writes each conversation to
//
//	~/.claude/projects/<encoded workdir>/<session uuid>.jsonl
//
// where the encoded workdir replaces every non-alphanumeric character
// of the absolute path with '-'. The id exists only once the agent
// creates that file, so a [Watcher] snapshots the directory at spawn
// and polls it until a new transcript appears, emitting exactly one
// [Detection] per watch.
//
// [ResolveWorkingDirectory] runs the mapping in reverse, recovering the
// directory a session was started in so a resumed agent reopens there.
package agentwatch
