// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

func (a *app) issueKeyCommand() *command {
	var (
		configPath string
		username   string
		scope      string
		expires    time.Duration
	)
	return &command{
		Name:    "issue-key",
		Summary: "Issue a network API key (printed once, stored hashed)",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("issue-key", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&username, "username", "", "user the key authenticates as (required)")
			flagSet.StringVar(&scope, "scope", string(nodedir.ScopeTerminal), "read, terminal, or admin")
			flagSet.DurationVar(&expires, "expires", 0, "lifetime of the key (default: never expires)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			if !nodedir.Scope(scope).Valid() {
				return fmt.Errorf("--scope: unknown scope %q", scope)
			}
			if expires < 0 {
				return errors.New("--expires must not be negative")
			}
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			now := time.Now()
			record := nodedir.APIKey{
				ID:        uuid.NewString(),
				Username:  username,
				KeyHash:   auth.HashAPIKey(key),
				Scope:     nodedir.Scope(scope),
				CreatedAt: now,
			}
			if expires > 0 {
				record.ExpiresAt = now.Add(expires)
			}
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				if err := directory.PutAPIKey(ctx, record); err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "key %s issued to %s; it will not be shown again\n", record.ID, username)
				fmt.Fprintln(a.stdout, key)
				return nil
			})
		},
	}
}

func (a *app) listKeysCommand() *command {
	var configPath string
	return &command{
		Name:    "list-keys",
		Summary: "List issued API keys",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list-keys", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				keys, err := directory.APIKeys(ctx)
				if err != nil {
					return err
				}
				now := time.Now()
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSERNAME\tSCOPE\tEXPIRES\tCREATED")
				for _, key := range keys {
					expiry := "never"
					switch {
					case key.Expired(now):
						expiry = "expired"
					case !key.ExpiresAt.IsZero():
						expiry = key.ExpiresAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", key.ID, key.Username, key.Scope, expiry, key.CreatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) revokeKeyCommand() *command {
	var configPath string
	return &command{
		Name:    "revoke-key",
		Summary: "Revoke an API key by id",
		Usage:   "spaces-node revoke-key <key-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("revoke-key", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: spaces-node revoke-key <key-id>")
			}
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				if err := directory.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "key %s revoked\n", args[0])
				return nil
			})
		},
	}
}
