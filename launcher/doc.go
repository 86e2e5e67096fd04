// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher starts the process behind a terminal pane.
//
// [Launcher.Launch] resolves which OS account a spaces user runs as.
// When that is the server's own account the shell is started locally
// on a PTY (creack/pty). Otherwise the launcher opens an SSH session
// to the local sshd as the mapped account, authenticating with a
// pre-provisioned service key, so the server needs no privileges to
// switch users.
//
// After the shell starts, the launcher types into it: a cd for SSH
// sessions (which start in the account's home), then after a short
// delay the agent invocation or the caller's custom command. Custom
// commands and resume ids containing shell metacharacters are
// rejected outright, never escaped.
package launcher
