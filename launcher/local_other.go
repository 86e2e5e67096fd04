// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package launcher

import (
	"fmt"
	"runtime"
)

type localProcess struct{ Process }

// startLocal fails on platforms without a Unix pty. Windows would need
// a ConPTY backend.
func startLocal(shell, workDir string, env []string, cols, rows uint16) (*localProcess, error) {
	return nil, fmt.Errorf("local pty sessions are not supported on %s", runtime.GOOS)
}
