// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/sealed"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

func (a *app) addPeerCommand() *command {
	var (
		configPath  string
		nodeID      string
		peerURL     string
		permissions []string
		apiKeyFile  string
	)
	return &command{
		Name:    "add-peer",
		Summary: "Register a peer node and the API key it issued to this node",
		Usage:   "spaces-node add-peer --id <node> --url <https://host:port> [--api-key-file <path>|-]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add-peer", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.StringVar(&nodeID, "id", "", "peer node id (required)")
			flagSet.StringVar(&peerURL, "url", "", "peer base URL (required)")
			flagSet.StringSliceVar(&permissions, "permission", []string{nodedir.PermissionTerminal}, "permissions the peer granted")
			flagSet.StringVar(&apiKeyFile, "api-key-file", "", "file holding the peer-issued key, - for stdin (default: prompt)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if nodeID == "" || peerURL == "" {
				return errors.New("--id and --url are required")
			}
			if err := validatePeerURL(peerURL); err != nil {
				return err
			}
			apiKey, err := a.readSecret(apiKeyFile, "API key issued by "+nodeID+": ")
			if err != nil {
				return err
			}
			if !strings.HasPrefix(apiKey, auth.APIKeyPrefix) {
				return fmt.Errorf("api key must start with %s", auth.APIKeyPrefix)
			}
			return a.withDirectory(configPath, func(cfg *config.Config, directory *nodedir.Directory) error {
				identity, _, err := sealed.LoadOrGenerateIdentity(cfg.IdentityPath())
				if err != nil {
					return err
				}
				encrypted, err := sealed.Encrypt([]byte(apiKey), identity.Recipient())
				if err != nil {
					return err
				}
				err = directory.PutNode(ctx, nodedir.PeerNode{
					ID:              nodeID,
					URL:             strings.TrimRight(peerURL, "/"),
					EncryptedAPIKey: encrypted,
					Permissions:     permissions,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "peer %s stored (%s)\n", nodeID, strings.Join(permissions, ","))
				return nil
			})
		},
	}
}

func validatePeerURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("--url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("--url: scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("--url: host is required")
	}
	return nil
}

func (a *app) listPeersCommand() *command {
	var configPath string
	return &command{
		Name:    "list-peers",
		Summary: "List registered peer nodes",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list-peers", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				nodes, err := directory.Nodes(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ID\tURL\tPERMISSIONS\tSTATUS\tLAST SEEN")
				for _, node := range nodes {
					lastSeen := "never"
					if !node.LastSeen.IsZero() {
						lastSeen = node.LastSeen.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", node.ID, node.URL, strings.Join(node.Permissions, ","), node.Status, lastSeen)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) removePeerCommand() *command {
	var configPath string
	return &command{
		Name:    "remove-peer",
		Summary: "Remove a peer node",
		Usage:   "spaces-node remove-peer <node>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove-peer", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("usage: spaces-node remove-peer <node>")
			}
			return a.withDirectory(configPath, func(_ *config.Config, directory *nodedir.Directory) error {
				if err := directory.DeleteNode(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "peer %s removed\n", args[0])
				return nil
			})
		},
	}
}
