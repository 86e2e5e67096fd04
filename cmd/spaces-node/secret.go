// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readSecret reads a secret from path, from stdin when path is "-", or
// from an echo-less terminal prompt when path is empty. Trailing
// newlines are stripped.
func (a *app) readSecret(path, prompt string) (string, error) {
	var value string
	switch path {
	case "":
		fd := int(a.stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("no terminal available for interactive prompt (use a file or -)")
		}
		fmt.Fprint(a.stderr, prompt)
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		value = string(data)
		clear(data)
	case "-":
		line, err := bufio.NewReader(a.stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading secret from stdin: %w", err)
		}
		value = line
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		value = string(data)
		clear(data)
	}

	value = strings.TrimRight(value, "\r\n")
	if value == "" {
		return "", errors.New("secret is empty")
	}
	return value, nil
}
