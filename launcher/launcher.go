// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlongo78/spaces-sub000/agentwatch"
	"github.com/jlongo78/spaces-sub000/lib/clock"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// UserMapper maps spaces usernames to OS accounts.
type UserMapper interface {
	ShellUser(ctx context.Context, username string) (osUser string, ok bool, err error)
}

// Config holds the parameters for New.
type Config struct {
	// Users maps usernames to OS accounts. Nil runs everyone as the
	// server's own account.
	Users UserMapper

	// Shell overrides shell discovery.
	Shell string

	// SSHAddress, ServiceKeyPath and KnownHostsPath configure the hop
	// for other OS accounts.
	SSHAddress     string
	ServiceKeyPath string
	KnownHostsPath string

	// AgentLaunchDelay is the wait before typing the agent invocation.
	AgentLaunchDelay time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Result describes a started pane process.
type Result struct {
	Process Process

	// WorkDir is the directory the shell was started in.
	WorkDir string

	// OSUser and HomeDir identify the account the process runs as.
	OSUser  string
	HomeDir string

	// ViaSSH is true when the process was reached through sshd.
	ViaSSH bool

	// TranscriptDir is where a fresh agent will write its session
	// transcript, or empty when the agent has none to discover.
	TranscriptDir string
}

// Launcher starts pane processes. Safe for concurrent use.
type Launcher struct {
	users      UserMapper
	shell      string
	ssh        *sshDialer
	delay      time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	serverUser string
	serverHome string
}

// New returns a Launcher running as the current OS account.
func New(cfg Config) (*Launcher, error) {
	current, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("launcher: resolving server account: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Launcher{
		users: cfg.Users,
		shell: systemShellFinder().find(cfg.Shell),
		ssh: &sshDialer{
			address:        cfg.SSHAddress,
			serviceKeyPath: cfg.ServiceKeyPath,
			knownHostsPath: cfg.KnownHostsPath,
		},
		delay:      cfg.AgentLaunchDelay,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		serverUser: current.Username,
		serverHome: current.HomeDir,
	}, nil
}

// ServerUser returns the OS account the server runs as.
func (l *Launcher) ServerUser() string { return l.serverUser }

// Launch starts the process for req. Failures are *SpawnError.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Result, error) {
	if req.Agent == "" {
		req.Agent = AgentShell
	}
	if req.Cols == 0 {
		req.Cols = defaultCols
	}
	if req.Rows == 0 {
		req.Rows = defaultRows
	}
	logger := l.logger.With("pane_id", req.PaneID, "username", req.Username)

	osUser, home, err := l.resolveAccount(ctx, req.Username)
	if err != nil {
		return nil, &SpawnError{Username: req.Username, Err: err}
	}
	viaSSH := osUser != l.serverUser
	workDir := l.resolveWorkDir(req, home, logger)
	startup := l.planStartup(req, workDir, viaSSH, logger)

	var process Process
	if viaSSH {
		process, err = l.ssh.start(ctx, osUser, req.Cols, req.Rows)
	} else {
		process, err = startLocal(l.shell, workDir, l.environment(req), req.Cols, req.Rows)
	}
	if err != nil {
		return nil, &SpawnError{Username: req.Username, Err: err}
	}
	logger.Info("terminal process started",
		"os_user", osUser, "via_ssh", viaSSH, "work_dir", workDir, "agent", req.Agent)

	l.typeStartup(process, startup, logger)

	result := &Result{
		Process: process,
		WorkDir: workDir,
		OSUser:  osUser,
		HomeDir: home,
		ViaSSH:  viaSSH,
	}
	if req.Agent == AgentClaude && (req.Resume == "" || req.Resume == ResumeNew) && home != "" {
		result.TranscriptDir = agentwatch.TranscriptDir(home, workDir)
	}
	return result, nil
}

func (l *Launcher) resolveAccount(ctx context.Context, username string) (osUser, home string, err error) {
	if l.users == nil {
		return l.serverUser, l.serverHome, nil
	}
	mapped, ok, err := l.users.ShellUser(ctx, username)
	if err != nil {
		return "", "", fmt.Errorf("looking up shell account: %w", err)
	}
	if !ok || mapped == l.serverUser {
		return l.serverUser, l.serverHome, nil
	}
	account, err := user.Lookup(mapped)
	if err != nil {
		// sshd still knows the account; only the working directory
		// fallback is lost.
		return mapped, "", nil
	}
	return mapped, account.HomeDir, nil
}

// resolveWorkDir never fails: an unusable directory falls back to the
// account's home, then to /.
func (l *Launcher) resolveWorkDir(req Request, home string, logger *slog.Logger) string {
	fallback := home
	if fallback == "" {
		fallback = "/"
	}
	requested := req.WorkDir
	if requested == "" && req.Agent == AgentClaude && req.Resume != "" && req.Resume != ResumeNew && home != "" {
		resolved, err := agentwatch.ResolveWorkingDirectory(agentwatch.ProjectsDir(home), req.Resume)
		if err == nil {
			requested = resolved
		} else {
			logger.Debug("resume working directory not found", "session_id", req.Resume, "error", err)
		}
	}
	if requested == "" {
		return fallback
	}
	if requested == "~" || strings.HasPrefix(requested, "~/") {
		requested = filepath.Join(fallback, strings.TrimPrefix(requested, "~"))
	}
	if !filepath.IsAbs(requested) {
		logger.Warn("relative working directory, using home", "requested", requested, "fallback", fallback)
		return fallback
	}
	info, err := os.Stat(requested)
	if err != nil || !info.IsDir() {
		logger.Warn("working directory unavailable, using home", "requested", requested, "fallback", fallback, "error", err)
		return fallback
	}
	return filepath.Clean(requested)
}

// startup is the text typed into a fresh shell.
type startup struct {
	immediate string
	delayed   string
}

func (l *Launcher) planStartup(req Request, workDir string, viaSSH bool, logger *slog.Logger) startup {
	var plan startup
	if viaSSH {
		plan.immediate = "cd " + shellQuote(workDir) + "\r"
	}

	if req.Agent != AgentShell {
		if req.Command != "" {
			logger.Warn("custom command ignored for agent pane", "agent", req.Agent)
		}
		invocation, err := req.Agent.Invocation(req.Resume)
		if err != nil {
			logger.Warn("agent invocation rejected", "agent", req.Agent, "error", err)
			return plan
		}
		plan.delayed = invocation + "\r"
		return plan
	}

	if req.Command != "" {
		if err := ValidateCommand(req.Command); err != nil {
			logger.Warn("custom command rejected", "error", err)
			return plan
		}
		plan.delayed = req.Command + "\r"
	}
	return plan
}

func (l *Launcher) typeStartup(process Process, plan startup, logger *slog.Logger) {
	if plan.immediate != "" {
		if _, err := process.Write([]byte(plan.immediate)); err != nil {
			logger.Warn("writing directory change failed", "error", err)
		}
	}
	if plan.delayed == "" {
		return
	}
	l.clock.AfterFunc(l.delay, func() {
		if _, err := process.Write([]byte(plan.delayed)); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Warn("writing launch command failed", "error", err)
		}
	})
}

func (l *Launcher) environment(req Request) []string {
	env := make([]string, 0, len(os.Environ())+3)
	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if name == "TERM" || name == "COLORTERM" || name == "SPACES_PANE_ID" {
			continue
		}
		env = append(env, entry)
	}
	return append(env, "TERM=xterm-256color", "COLORTERM=truecolor", "SPACES_PANE_ID="+req.PaneID)
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
