// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxTokenRequestSize bounds the token exchange body.
const maxTokenRequestSize = 64 << 10

// TokenRequest is the optional body of POST /terminal/token. It names
// the pane the returned URL will open.
type TokenRequest struct {
	PaneID    string `json:"paneId"`
	Cwd       string `json:"cwd,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Resume    string `json:"resume,omitempty"`
	Command   string `json:"command,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// TokenResponse is returned by POST /terminal/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`

	// URL is the WebSocket URL for the requested pane, carrying the
	// token.
	URL string `json:"url"`
}

// serveTokenExchange mints a short-lived terminal token for an
// authenticated caller. Peer nodes call it with an API key before
// opening a relayed socket.
func (s *Server) serveTokenExchange(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var request TokenRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTokenRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	if len(body) > maxTokenRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if request.PaneID == "" {
		request.PaneID = r.URL.Query().Get("paneId")
	}
	if request.PaneID != "" && !paneIDPattern.MatchString(request.PaneID) {
		writeError(w, http.StatusBadRequest, "invalid paneId")
		return
	}

	token, expires, err := s.auth.MintTerminalToken(identity.Username, s.tokenTTL)
	if err != nil {
		s.logger.Error("minting terminal token", "error", err)
		writeError(w, http.StatusInternalServerError, "token unavailable")
		return
	}
	s.logger.Info("terminal token issued",
		"username", identity.Username, "scheme", identity.Scheme, "pane_id", request.PaneID)

	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expires.UTC(),
		URL:       s.websocketBase(r) + "/terminal?" + terminalQuery(request, token).Encode(),
	})
}

// terminalQuery is the connection query for request authenticated by
// token. Empty fields are omitted.
func terminalQuery(request TokenRequest, token string) url.Values {
	query := url.Values{}
	set := func(key, value string) {
		if value != "" {
			query.Set(key, value)
		}
	}
	set("paneId", request.PaneID)
	set("cwd", request.Cwd)
	set("agentType", request.AgentType)
	set("resume", request.Resume)
	set("command", request.Command)
	if request.Cols > 0 {
		query.Set("cols", strconv.Itoa(request.Cols))
	}
	if request.Rows > 0 {
		query.Set("rows", strconv.Itoa(request.Rows))
	}
	query.Set("token", token)
	return query
}

// websocketBase returns the ws:// or wss:// base URL clients use to
// reach this server.
func (s *Server) websocketBase(r *http.Request) string {
	if s.publicURL != "" {
		return WebSocketURL(s.publicURL)
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host
}

// WebSocketURL converts an http(s) URL to ws(s). Other URLs are
// returned unchanged.
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
