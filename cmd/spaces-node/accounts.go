// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os/user"

	"github.com/spf13/pflag"

	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/sealed"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

func (a *app) mapUserCommand() *command {
	var (
		configPath string
		skipLookup bool
	)
	return &command{
		Name:    "map-user",
		Summary: "Run a user's panes as an OS account",
		Usage:   "spaces-node map-user <username> <os-user>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("map-user", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.BoolVar(&skipLookup, "skip-lookup", false, "store the mapping even if the OS account does not exist yet")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return errors.New("usage: spaces-node map-user <username> <os-user>")
			}
			username, osUser := args[0], args[1]
			if !skipLookup {
				if _, err := user.Lookup(osUser); err != nil {
					return fmt.Errorf("OS account %q: %w (use --skip-lookup to store anyway)", osUser, err)
				}
			}
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				if err := directory.PutShellAccount(ctx, username, osUser); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s runs as %s\n", username, osUser)
				return nil
			})
		},
	}
}

func (a *app) recipientCommand() *command {
	var configPath string
	return &command{
		Name:    "recipient",
		Summary: "Print this node's public age recipient, generating the identity if needed",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("recipient", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			identity, generated, err := sealed.LoadOrGenerateIdentity(cfg.IdentityPath())
			if err != nil {
				return err
			}
			if generated {
				fmt.Fprintf(a.stderr, "generated node identity at %s\n", cfg.IdentityPath())
			}
			fmt.Fprintln(a.stdout, identity.Recipient())
			return nil
		},
	}
}
