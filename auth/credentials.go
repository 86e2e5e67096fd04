// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"
	"strings"
)

const (
	// CookieName is the session cookie set by the login flow.
	CookieName = "spaces_session"

	// SentinelToken is accepted from trusted local proxies in place
	// of a real credential.
	SentinelToken = "desktop-local"
)

// Credentials is everything a connection presented. Empty fields were
// not presented.
type Credentials struct {
	SessionCookie string
	TerminalToken string
	Sentinel      bool
	APIKey        string

	// RemoteAddr is the socket peer address ("host:port").
	RemoteAddr string
}

// Empty reports whether no credential at all was presented.
func (c Credentials) Empty() bool {
	return c.SessionCookie == "" && c.TerminalToken == "" && !c.Sentinel && c.APIKey == ""
}

// CredentialsFromRequest collects credentials from a WebSocket upgrade
// or HTTP request: the session cookie, the token and apiKey query
// parameters, and an Authorization: Bearer header. A token parameter
// or bearer value is classified by shape: the sentinel, an spk_ API
// key, or otherwise a terminal token.
func CredentialsFromRequest(r *http.Request) Credentials {
	credentials := Credentials{RemoteAddr: r.RemoteAddr}
	if cookie, err := r.Cookie(CookieName); err == nil {
		credentials.SessionCookie = cookie.Value
	}

	query := r.URL.Query()
	credentials.classify(query.Get("token"))
	if key := query.Get("apiKey"); key != "" && credentials.APIKey == "" {
		credentials.APIKey = key
	}
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			credentials.classify(strings.TrimSpace(value))
		}
	}
	return credentials
}

// classify fills the first empty slot matching the value's shape.
func (c *Credentials) classify(value string) {
	switch {
	case value == "":
	case value == SentinelToken:
		c.Sentinel = true
	case strings.HasPrefix(value, APIKeyPrefix):
		if c.APIKey == "" {
			c.APIKey = value
		}
	default:
		if c.TerminalToken == "" {
			c.TerminalToken = value
		}
	}
}
