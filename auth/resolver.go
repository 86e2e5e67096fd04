// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jlongo78/spaces-sub000/lib/clock"
	"github.com/jlongo78/spaces-sub000/lib/codec"
	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/netutil"
	"github.com/jlongo78/spaces-sub000/lib/signedtoken"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

// ErrUnauthenticated is returned when no presented credential
// verifies.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Scheme names the credential that produced a Result.
type Scheme string

const (
	SchemeCookie        Scheme = "cookie"
	SchemeTerminalToken Scheme = "terminal-token"
	SchemeLocal         Scheme = "local"
	SchemeAPIKey        Scheme = "api-key"
)

// Result is a verified identity.
type Result struct {
	Username string
	Scheme   Scheme

	// Scope is the permission level. API keys carry their own scope;
	// cookies map role admin to ScopeAdmin and everything else to
	// ScopeTerminal; tokens and the sentinel get ScopeTerminal.
	Scope nodedir.Scope
}

// IsAdmin reports whether the identity may act on other users' panes.
func (r Result) IsAdmin() bool {
	return r.Scope == nodedir.ScopeAdmin
}

// KeyStore supplies the stored API keys.
type KeyStore interface {
	APIKeys(ctx context.Context) ([]nodedir.APIKey, error)
}

// ResolverConfig holds the parameters for NewResolver.
type ResolverConfig struct {
	Tier config.Tier

	// LocalUsername is the identity of sentinel connections.
	LocalUsername string

	CookieSigner *signedtoken.Signer
	TokenSigner  *signedtoken.Signer

	Keys   KeyStore
	Clock  clock.Clock
	Logger *slog.Logger
}

// Resolver evaluates credentials. Safe for concurrent use.
type Resolver struct {
	tier          config.Tier
	localUsername string
	cookieSigner  *signedtoken.Signer
	tokenSigner   *signedtoken.Signer
	keys          KeyStore
	clock         clock.Clock
	logger        *slog.Logger
}

// NewResolver validates cfg and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.CookieSigner == nil || cfg.TokenSigner == nil {
		return nil, errors.New("auth: cookie and token signers are required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("auth: Keys is required")
	}
	if cfg.LocalUsername == "" {
		return nil, errors.New("auth: LocalUsername is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		tier:          cfg.Tier,
		localUsername: cfg.LocalUsername,
		cookieSigner:  cfg.CookieSigner,
		tokenSigner:   cfg.TokenSigner,
		keys:          cfg.Keys,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}, nil
}

// Resolve returns the identity of the highest-priority credential that
// verifies, or ErrUnauthenticated.
func (r *Resolver) Resolve(ctx context.Context, credentials Credentials) (Result, error) {
	now := r.clock.Now()

	if credentials.SessionCookie != "" {
		result, err := r.verifyCookie(credentials.SessionCookie, now)
		if err == nil {
			return result, nil
		}
		r.logger.Debug("session cookie rejected", "error", err)
	}

	if credentials.TerminalToken != "" {
		result, err := r.verifyTerminalToken(credentials.TerminalToken, now)
		if err == nil {
			return result, nil
		}
		r.logger.Debug("terminal token rejected", "error", err)
	}

	if credentials.Sentinel {
		if r.tier.TrustsLocalSentinel() || netutil.IsLocalOrContainer(credentials.RemoteAddr) {
			return Result{Username: r.localUsername, Scheme: SchemeLocal, Scope: nodedir.ScopeTerminal}, nil
		}
		r.logger.Warn("sentinel token from untrusted address",
			"remote_addr", credentials.RemoteAddr, "tier", r.tier)
	}

	if credentials.APIKey != "" {
		result, err := r.verifyAPIKey(ctx, credentials.APIKey, now)
		if err == nil {
			return result, nil
		}
		r.logger.Info("api key rejected", "remote_addr", credentials.RemoteAddr, "error", err)
	}

	return Result{}, ErrUnauthenticated
}

// sessionClaims is the JSON payload of the session cookie.
type sessionClaims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Expires int64  `json:"exp"`
}

func (r *Resolver) verifyCookie(cookie string, now time.Time) (Result, error) {
	payload, err := r.cookieSigner.Open(cookie)
	if err != nil {
		return Result{}, err
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Result{}, fmt.Errorf("decoding cookie payload: %w", err)
	}
	if claims.Subject == "" {
		return Result{}, errors.New("cookie has no subject")
	}
	if now.Unix() >= claims.Expires {
		return Result{}, errors.New("cookie expired")
	}
	scope := nodedir.ScopeTerminal
	if claims.Role == "admin" {
		scope = nodedir.ScopeAdmin
	}
	return Result{Username: claims.Subject, Scheme: SchemeCookie, Scope: scope}, nil
}

// MintSessionCookie signs a session cookie value. The login flow that
// normally does this lives outside the terminal host; the method
// exists for the provisioning CLI and tests.
func (r *Resolver) MintSessionCookie(username, role string, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(sessionClaims{
		Subject: username,
		Role:    role,
		Expires: r.clock.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	return r.cookieSigner.Sign(payload), nil
}

// tokenClaims is the CBOR payload of a terminal token.
type tokenClaims struct {
	Subject string `cbor:"sub"`
	Expires int64  `cbor:"exp"`
}

func (r *Resolver) verifyTerminalToken(token string, now time.Time) (Result, error) {
	payload, err := r.tokenSigner.Open(token)
	if err != nil {
		return Result{}, err
	}
	var claims tokenClaims
	if err := codec.Unmarshal(payload, &claims); err != nil {
		return Result{}, fmt.Errorf("decoding token payload: %w", err)
	}
	if claims.Subject == "" {
		return Result{}, errors.New("token has no subject")
	}
	if now.Unix() >= claims.Expires {
		return Result{}, errors.New("token expired")
	}
	return Result{Username: claims.Subject, Scheme: SchemeTerminalToken, Scope: nodedir.ScopeTerminal}, nil
}

// MintTerminalToken signs a token for username valid for ttl.
func (r *Resolver) MintTerminalToken(username string, ttl time.Duration) (string, time.Time, error) {
	expires := r.clock.Now().Add(ttl)
	payload, err := codec.Marshal(tokenClaims{Subject: username, Expires: expires.Unix()})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encoding token: %w", err)
	}
	return r.tokenSigner.Sign(payload), expires, nil
}

func (r *Resolver) verifyAPIKey(ctx context.Context, key string, now time.Time) (Result, error) {
	keys, err := r.keys.APIKeys(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading api keys: %w", err)
	}
	presented := []byte(HashAPIKey(key))

	var matched *nodedir.APIKey
	for i := range keys {
		equal := subtle.ConstantTimeCompare(presented, []byte(keys[i].KeyHash))
		if equal == 1 && matched == nil {
			matched = &keys[i]
		}
	}
	if matched == nil {
		return Result{}, errors.New("unknown api key")
	}
	if matched.Expired(now) {
		return Result{}, fmt.Errorf("api key %s expired", matched.ID)
	}
	if matched.Scope != nodedir.ScopeTerminal && matched.Scope != nodedir.ScopeAdmin {
		return Result{}, fmt.Errorf("api key %s has scope %q", matched.ID, matched.Scope)
	}
	return Result{Username: matched.Username, Scheme: SchemeAPIKey, Scope: matched.Scope}, nil
}
