// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is the deployment mode. It gates the sentinel token and
// federation.
type Tier string

const (
	// Desktop is a single-user install behind a local shell window.
	Desktop Tier = "desktop"
	// Community is a self-hosted multi-user install on a trusted LAN.
	Community Tier = "community"
	// Server is a multi-user install reachable from untrusted networks.
	Server Tier = "server"
	// Federation is Server plus forwarding sessions to peer nodes.
	Federation Tier = "federation"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case Desktop, Community, Server, Federation:
		return true
	}
	return false
}

// TrustsLocalSentinel reports whether the tier accepts the
// desktop-local sentinel from any address.
func (t Tier) TrustsLocalSentinel() bool {
	return t == Desktop || t == Community
}

// Config is the complete configuration of a terminal host.
type Config struct {
	// Tier selects the deployment mode. Default: desktop.
	Tier Tier `yaml:"tier"`

	// NodeID identifies this node to its peers. Default: local.
	NodeID string `yaml:"node_id"`

	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string `yaml:"listen_address"`

	// PublicURL is the base URL advertised in token exchange
	// responses. When empty, the URL is derived from the request.
	PublicURL string `yaml:"public_url"`

	// LocalUsername is the identity assumed by connections presenting
	// the desktop-local sentinel. Default: the server's OS user.
	LocalUsername string `yaml:"local_username"`

	// TLS serves HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`

	Paths      PathsConfig      `yaml:"paths"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Launcher   LauncherConfig   `yaml:"launcher"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Federation FederationConfig `yaml:"federation"`
}

// TLSConfig names the server certificate and key (PEM).
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// State holds signing secrets, the node age identity, and the
	// default SSH service key.
	State string `yaml:"state"`

	// Database is the SQLite node directory.
	Database string `yaml:"database"`
}

// TerminalConfig configures sessions and their sockets.
type TerminalConfig struct {
	// BufferChunks is the replay buffer capacity in output chunks.
	BufferChunks int `yaml:"buffer_chunks"`

	// ExitGrace is how long an exited session stays attachable.
	ExitGrace time.Duration `yaml:"exit_grace"`

	// HeartbeatInterval is the ping period. A socket that misses one
	// pong is terminated.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxQueuedFrames disconnects a client whose unsent frame queue
	// grows past this length.
	MaxQueuedFrames int `yaml:"max_queued_frames"`

	// TerminalTokenTTL is the validity of tokens minted by
	// POST /terminal/token.
	TerminalTokenTTL time.Duration `yaml:"terminal_token_ttl"`

	// AllowedOrigins lists browser origins, besides the server's own
	// host, that may open terminal sockets.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LauncherConfig configures process spawning.
type LauncherConfig struct {
	// Shell overrides shell discovery.
	Shell string `yaml:"shell"`

	// SSHAddress is where sessions for other OS users are opened.
	SSHAddress string `yaml:"ssh_address"`

	// ServiceKey is the private key used for the SSH hop.
	// Default: <paths.state>/service_key.
	ServiceKey string `yaml:"service_key"`

	// KnownHosts verifies the SSH host key when set.
	KnownHosts string `yaml:"known_hosts"`

	// AgentLaunchDelay is the wait between shell start and typing the
	// agent invocation.
	AgentLaunchDelay time.Duration `yaml:"agent_launch_delay"`
}

// WatcherConfig configures agent session discovery.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// FederationConfig configures the proxy to peer nodes.
type FederationConfig struct {
	// ExchangeTimeout bounds the token exchange call. No retry.
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`

	// InsecureSkipVerify disables peer certificate verification for
	// self-signed peers. Scoped to federation calls only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Default returns the configuration used when no file is given, and
// the base that a loaded file is merged into.
func Default() *Config {
	root := filepath.Join("${HOME}", ".spaces")
	cfg := &Config{
		Tier:          Desktop,
		NodeID:        "local",
		ListenAddress: "127.0.0.1:3457",
		Paths: PathsConfig{
			State:    filepath.Join(root, "state"),
			Database: filepath.Join(root, "spaces.db"),
		},
		Terminal: TerminalConfig{
			BufferChunks:      5000,
			ExitGrace:         30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxQueuedFrames:   8192,
			TerminalTokenTTL:  2 * time.Minute,
		},
		Launcher: LauncherConfig{
			SSHAddress:       "127.0.0.1:22",
			AgentLaunchDelay: 500 * time.Millisecond,
		},
		Watcher: WatcherConfig{
			PollInterval: 2 * time.Second,
			MaxAttempts:  30,
		},
		Federation: FederationConfig{
			ExchangeTimeout: 10 * time.Second,
		},
	}
	cfg.expandVariables()
	return cfg
}

// Load loads the file named by SPACES_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("SPACES_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("SPACES_CONFIG environment variable not set; " +
			"set it to the path of your spaces.yaml, or use --config")
	}
	return LoadFile(path)
}

// Resolve loads the file at path when it is set, else the file named
// by SPACES_CONFIG when that is set, else returns Default.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv("SPACES_CONFIG") != "" {
		return Load()
	}
	return Default(), nil
}

// LoadFile loads the file at path over Default. Only ${VAR} and
// ${VAR:-default} patterns in path fields consult the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":         homeDir(),
		"SPACES_STATE": "",
	}
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["SPACES_STATE"] = c.Paths.State
	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Launcher.ServiceKey = expandVars(c.Launcher.ServiceKey, vars)
	c.Launcher.KnownHosts = expandVars(c.Launcher.KnownHosts, vars)
	c.Launcher.Shell = expandVars(c.Launcher.Shell, vars)
	c.TLS.CertFile = expandVars(c.TLS.CertFile, vars)
	c.TLS.KeyFile = expandVars(c.TLS.KeyFile, vars)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Entries in vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ServiceKeyPath returns the SSH service key location, defaulting to
// the state directory.
func (c *Config) ServiceKeyPath() string {
	if c.Launcher.ServiceKey != "" {
		return c.Launcher.ServiceKey
	}
	return filepath.Join(c.Paths.State, "service_key")
}

// SecretPath returns the location of a named signing secret.
func (c *Config) SecretPath(name string) string {
	return filepath.Join(c.Paths.State, name+".secret")
}

// IdentityPath returns the location of the node's age identity.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.Paths.State, "node.age")
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if !c.Tier.Valid() {
		errs = append(errs, fmt.Errorf("invalid tier: %q", c.Tier))
	}
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("listen_address: %w", err))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}
	if c.Terminal.BufferChunks <= 0 {
		errs = append(errs, errors.New("terminal.buffer_chunks must be positive"))
	}
	if c.Terminal.ExitGrace < 0 {
		errs = append(errs, errors.New("terminal.exit_grace must not be negative"))
	}
	if c.Terminal.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("terminal.heartbeat_interval must be positive"))
	}
	if c.Terminal.MaxQueuedFrames <= 0 {
		errs = append(errs, errors.New("terminal.max_queued_frames must be positive"))
	} else if c.Terminal.BufferChunks > 0 && c.Terminal.MaxQueuedFrames <= c.Terminal.BufferChunks+3 {
		// Reattach replays ready, every buffered chunk, session-detected
		// and exit into one socket queue.
		errs = append(errs, fmt.Errorf("terminal.max_queued_frames (%d) must exceed terminal.buffer_chunks + 3 (%d)",
			c.Terminal.MaxQueuedFrames, c.Terminal.BufferChunks+3))
	}
	if c.Terminal.TerminalTokenTTL <= 0 {
		errs = append(errs, errors.New("terminal.terminal_token_ttl must be positive"))
	}
	if _, _, err := net.SplitHostPort(c.Launcher.SSHAddress); err != nil {
		errs = append(errs, fmt.Errorf("launcher.ssh_address: %w", err))
	}
	if c.Launcher.AgentLaunchDelay < 0 {
		errs = append(errs, errors.New("launcher.agent_launch_delay must not be negative"))
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, errors.New("watcher.poll_interval must be positive"))
	}
	if c.Watcher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("watcher.max_attempts must be positive"))
	}
	if c.Federation.ExchangeTimeout <= 0 {
		errs = append(errs, errors.New("federation.exchange_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directory (0700) and the database
// parent directory.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.State, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.State, err)
	}
	if dir := filepath.Dir(c.Paths.Database); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
