// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/lib/clock"
	"github.com/jlongo78/spaces-sub000/lib/version"
)

// Authenticator verifies credentials and mints terminal tokens.
// *auth.Resolver implements it.
type Authenticator interface {
	Resolve(ctx context.Context, credentials auth.Credentials) (auth.Result, error)
	MintTerminalToken(username string, ttl time.Duration) (string, time.Time, error)
}

// Relayer forwards a connection to a pane on a peer node. It returns a
// non-nil error only if relaying never started; the client socket is
// then still open and the caller reports the error on it. Once relaying
// starts, Relay owns the client socket and closes it.
type Relayer interface {
	Relay(ctx context.Context, client *websocket.Conn, nodeID string, params url.Values) error
}

// Config holds the parameters for NewServer.
type Config struct {
	Registry *Registry
	Auth     Authenticator

	// Federation forwards panes on other nodes. Nil rejects them.
	Federation Relayer

	// NodeID is this node's id. A nodeId parameter naming it is local.
	NodeID string

	// PublicURL is the base URL advertised by the token exchange.
	// Empty derives it from each request.
	PublicURL string

	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxQueuedFrames   int

	// AllowedOrigins lists browser origins accepted in addition to the
	// server's own host.
	AllowedOrigins []string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server serves the terminal WebSocket and its HTTP endpoints.
type Server struct {
	registry        *Registry
	auth            Authenticator
	federation      Relayer
	nodeID          string
	publicURL       string
	tokenTTL        time.Duration
	maxQueuedFrames int
	allowedOrigins  []string
	heartbeat       *heartbeat
	upgrader        websocket.Upgrader
	logger          *slog.Logger
	mux             *http.ServeMux
}

// NewServer validates cfg and returns a Server. Call Run to start the
// heartbeat.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("terminal: Registry is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("terminal: Auth is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("terminal: HeartbeatInterval must be positive")
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("terminal: TokenTTL must be positive")
	}
	if cfg.MaxQueuedFrames > 0 && cfg.MaxQueuedFrames <= cfg.Registry.bufferChunks+replayFrames {
		return nil, fmt.Errorf("terminal: MaxQueuedFrames (%d) must exceed BufferChunks plus %d so a full replay fits",
			cfg.MaxQueuedFrames, replayFrames)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		registry:        cfg.Registry,
		auth:            cfg.Auth,
		federation:      cfg.Federation,
		nodeID:          cfg.NodeID,
		publicURL:       strings.TrimRight(cfg.PublicURL, "/"),
		tokenTTL:        cfg.TokenTTL,
		maxQueuedFrames: cfg.MaxQueuedFrames,
		allowedOrigins:  cfg.AllowedOrigins,
		heartbeat:       newHeartbeat(cfg.Clock, cfg.HeartbeatInterval, cfg.Logger),
		logger:          cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     s.checkOrigin,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /terminal", s.serveTerminal)
	s.mux.HandleFunc("POST /terminal/token", s.serveTokenExchange)
	s.mux.HandleFunc("GET /terminal/sessions", s.serveListSessions)
	s.mux.HandleFunc("DELETE /terminal/sessions/{paneId}", s.serveDeleteSession)
	s.mux.HandleFunc("GET /health", s.serveHealth)
	return s, nil
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler { return s.mux }

// Run sweeps socket heartbeats until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.heartbeat.run(ctx)
}

// checkOrigin accepts non-browser clients (no Origin), same-host pages,
// and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	if slices.Contains(s.allowedOrigins, origin) {
		return true
	}
	s.logger.Warn("websocket origin rejected", "origin", origin, "host", r.Host)
	return false
}

func (s *Server) authenticate(r *http.Request) (auth.Result, error) {
	return s.auth.Resolve(r.Context(), auth.CredentialsFromRequest(r))
}

func (s *Server) serveListSessions(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sessions := s.registry.List(identity)
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) serveDeleteSession(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	paneID := r.PathValue("paneId")
	switch err := s.registry.Kill(paneID, identity); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "no such session")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("killing session", "pane_id", paneID, "error", err)
		writeError(w, http.StatusInternalServerError, "kill failed")
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"node_id":  s.nodeID,
		"version":  version.Short(),
		"sessions": s.registry.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
