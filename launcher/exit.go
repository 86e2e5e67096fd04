// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"fmt"
	"io"
)

// ExitStatus describes how a pane process ended.
type ExitStatus struct {
	// Code is the exit code, or 128+signal for signaled processes.
	Code int

	// Reason is the signal name or a transport failure; empty for a
	// normal exit.
	Reason string
}

// Process is a running pane process. Read returns output until the
// process is gone (io.EOF); Write sends keyboard input.
type Process interface {
	io.ReadWriter

	// Resize changes the terminal dimensions.
	Resize(cols, rows uint16) error

	// Wait blocks until the process exits. Safe to call from several
	// goroutines; all see the same status.
	Wait() ExitStatus

	// Kill terminates the process.
	Kill() error

	// Close releases the terminal. Call after Wait returns.
	Close() error
}

// SpawnError reports that no process could be started.
type SpawnError struct {
	Username string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning terminal for %s: %v", e.Username, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
