// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Spaces-node provisions the node directory that spaces-terminal reads:
// peer nodes and their encrypted API keys, network API keys issued to
// users and peers, and the mapping from users to OS accounts.
//
// Every command takes --config (default: $SPACES_CONFIG, else the
// built-in defaults) to find the database and the node identity.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/process"
	"github.com/jlongo78/spaces-sub000/lib/service"
	"github.com/jlongo78/spaces-sub000/lib/version"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

func main() {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		stdin:  os.Stdin,
		logger: service.NewLogger(os.Stderr, slog.LevelWarn),
	}
	if err := a.root().execute(context.Background(), os.Args[1:], os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// app carries the process streams shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer
	stdin  *os.File
	logger *slog.Logger
}

func (a *app) root() *command {
	return &command{
		Name:    "spaces-node",
		Summary: "Provision the spaces node directory.",
		Subcommands: []*command{
			a.addPeerCommand(),
			a.listPeersCommand(),
			a.removePeerCommand(),
			a.issueKeyCommand(),
			a.listKeysCommand(),
			a.revokeKeyCommand(),
			a.mapUserCommand(),
			a.recipientCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(context.Context, []string) error {
					fmt.Fprintf(a.stdout, "spaces-node %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// configFlag binds --config on flagSet.
func configFlag(flagSet *pflag.FlagSet, path *string) {
	flagSet.StringVar(path, "config", "", "path to spaces.yaml (default: $SPACES_CONFIG, else built-in defaults)")
}

// loadConfig resolves, validates, and prepares the directories of the
// configuration at path.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withDirectory opens the node directory for the duration of fn.
func (a *app) withDirectory(configPath string, fn func(*config.Config, *nodedir.Directory) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	directory, err := nodedir.Open(nodedir.Config{Path: cfg.Paths.Database, Logger: a.logger})
	if err != nil {
		return err
	}
	defer directory.Close()
	return fn(cfg, directory)
}
