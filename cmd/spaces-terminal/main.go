// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Spaces-terminal is the terminal host: it serves browser terminal
// sessions over WebSocket, keeps each pane's process alive across
// reconnects, and relays panes that live on federated peer nodes.
//
// Usage:
//
//	spaces-terminal [--config spaces.yaml] [--log-level info]
//
// Without --config the file named by SPACES_CONFIG is loaded, and
// without that the built-in defaults apply (desktop tier on
// 127.0.0.1:3457).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jlongo78/spaces-sub000/agentwatch"
	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/federation"
	"github.com/jlongo78/spaces-sub000/launcher"
	"github.com/jlongo78/spaces-sub000/lib/clock"
	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/process"
	"github.com/jlongo78/spaces-sub000/lib/sealed"
	"github.com/jlongo78/spaces-sub000/lib/service"
	"github.com/jlongo78/spaces-sub000/lib/signedtoken"
	"github.com/jlongo78/spaces-sub000/lib/version"
	"github.com/jlongo78/spaces-sub000/nodedir"
	"github.com/jlongo78/spaces-sub000/terminal"
)

// shutdownTimeout bounds both the HTTP drain and waiting for pane
// processes to exit after they are killed.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("spaces-terminal", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to spaces.yaml (default: $SPACES_CONFIG, else built-in defaults)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("spaces-terminal %s\n", version.Full())
		return nil
	}

	level, err := service.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := service.NewLogger(os.Stderr, level)

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.Real()

	directory, err := nodedir.Open(nodedir.Config{Path: cfg.Paths.Database, Logger: logger})
	if err != nil {
		return err
	}
	defer directory.Close()

	cookieSigner, err := loadSigner(cfg.SecretPath("cookie"), logger)
	if err != nil {
		return err
	}
	tokenSigner, err := loadSigner(cfg.SecretPath("terminal"), logger)
	if err != nil {
		return err
	}
	identity, generated, err := sealed.LoadOrGenerateIdentity(cfg.IdentityPath())
	if err != nil {
		return err
	}
	if generated {
		logger.Info("generated node identity", "path", cfg.IdentityPath(), "recipient", identity.Recipient())
	}

	spawner, err := launcher.New(launcher.Config{
		Users:            directory,
		Shell:            cfg.Launcher.Shell,
		SSHAddress:       cfg.Launcher.SSHAddress,
		ServiceKeyPath:   cfg.ServiceKeyPath(),
		KnownHostsPath:   cfg.Launcher.KnownHosts,
		AgentLaunchDelay: cfg.Launcher.AgentLaunchDelay,
		Clock:            clk,
		Logger:           logger.With("component", "launcher"),
	})
	if err != nil {
		return err
	}

	localUsername := cfg.LocalUsername
	if localUsername == "" {
		localUsername = spawner.ServerUser()
	}
	resolver, err := auth.NewResolver(auth.ResolverConfig{
		Tier:          cfg.Tier,
		LocalUsername: localUsername,
		CookieSigner:  cookieSigner,
		TokenSigner:   tokenSigner,
		Keys:          directory,
		Clock:         clk,
		Logger:        logger.With("component", "auth"),
	})
	if err != nil {
		return err
	}

	registry, err := terminal.NewRegistry(terminal.RegistryConfig{
		Spawner: spawner,
		Watcher: agentwatch.New(agentwatch.Config{
			PollInterval: cfg.Watcher.PollInterval,
			MaxAttempts:  cfg.Watcher.MaxAttempts,
			Clock:        clk,
			Logger:       logger.With("component", "agentwatch"),
		}),
		BufferChunks: cfg.Terminal.BufferChunks,
		ExitGrace:    cfg.Terminal.ExitGrace,
		Clock:        clk,
		Logger:       logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}

	// The proxy is built on every tier; it refuses to relay unless the
	// tier is federation.
	proxy, err := federation.New(federation.Config{
		Tier:               cfg.Tier,
		Directory:          directory,
		Identity:           identity,
		ExchangeTimeout:    cfg.Federation.ExchangeTimeout,
		InsecureSkipVerify: cfg.Federation.InsecureSkipVerify,
		Logger:             logger.With("component", "federation"),
	})
	if err != nil {
		return err
	}

	server, err := terminal.NewServer(terminal.Config{
		Registry:          registry,
		Auth:              resolver,
		Federation:        proxy,
		NodeID:            cfg.NodeID,
		PublicURL:         cfg.PublicURL,
		TokenTTL:          cfg.Terminal.TerminalTokenTTL,
		HeartbeatInterval: cfg.Terminal.HeartbeatInterval,
		MaxQueuedFrames:   cfg.Terminal.MaxQueuedFrames,
		AllowedOrigins:    cfg.Terminal.AllowedOrigins,
		Clock:             clk,
		Logger:            logger.With("component", "terminal"),
	})
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		certificate, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{certificate}, MinVersion: tls.VersionTLS12}
	}
	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.ListenAddress,
		Handler:         server.Handler(),
		TLSConfig:       tlsConfig,
		ShutdownTimeout: shutdownTimeout,
		Logger:          logger,
	})

	go server.Run(ctx)

	logger.Info("spaces-terminal starting",
		"version", version.Info(),
		"tier", cfg.Tier,
		"node_id", cfg.NodeID,
		"local_username", localUsername,
	)
	serveErr := httpServer.Serve(ctx)

	// Hijacked sockets outlive the HTTP server's shutdown.
	proxy.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not exit before shutdown deadline", "error", err)
	}
	logger.Info("spaces-terminal stopped")
	return serveErr
}

// loadSigner loads (or creates) the named secret and wraps it in a
// signer.
func loadSigner(path string, logger *slog.Logger) (*signedtoken.Signer, error) {
	secret, generated, err := signedtoken.LoadOrGenerateSecret(path)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Info("generated signing secret", "path", path)
	}
	return signedtoken.NewSigner(secret)
}
