// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import "os"

// shellFinder locates the interactive shell. Its dependencies are
// fields so the search order can be tested without touching the host.
type shellFinder struct {
	getenv func(string) string
	exists func(string) bool
}

func systemShellFinder() shellFinder {
	return shellFinder{
		getenv: os.Getenv,
		exists: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
	}
}

// find returns the shell to start: override, $SHELL, /bin/bash,
// /bin/sh. Local sessions need a Unix pty, so there is no Windows
// search.
func (f shellFinder) find(override string) string {
	if override != "" && f.exists(override) {
		return override
	}
	if shell := f.getenv("SHELL"); shell != "" && f.exists(shell) {
		return shell
	}
	if f.exists("/bin/bash") {
		return "/bin/bash"
	}
	return "/bin/sh"
}
