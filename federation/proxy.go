// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/netutil"
	"github.com/jlongo78/spaces-sub000/lib/sealed"
	"github.com/jlongo78/spaces-sub000/lib/version"
	"github.com/jlongo78/spaces-sub000/nodedir"
	"github.com/jlongo78/spaces-sub000/terminal"
)

var (
	// ErrFederationDisabled is returned when the deployment tier does
	// not allow federation.
	ErrFederationDisabled = errors.New("federation: not enabled on this tier")

	// ErrPermissionDenied is returned when the peer did not grant
	// terminal access to this node.
	ErrPermissionDenied = errors.New("federation: peer does not grant terminal access")

	// ErrProxyClosed is returned by Relay after Close.
	ErrProxyClosed = errors.New("federation: proxy is shutting down")
)

// RemoteUnreachableError reports a failed call to a peer node: a
// network or TLS failure, a timeout, or a non-success response. It is
// never retried.
type RemoteUnreachableError struct {
	NodeID string
	URL    string

	// StatusCode is the HTTP status of a non-success response, or zero.
	StatusCode int

	Err error
}

func (e *RemoteUnreachableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("peer node %s unreachable: %s returned %d: %v", e.NodeID, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("peer node %s unreachable: %s: %v", e.NodeID, e.URL, e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error { return e.Err }

// Directory looks up peer nodes. *nodedir.Directory implements it.
type Directory interface {
	Node(ctx context.Context, id string) (nodedir.PeerNode, error)
}

// Config holds the parameters for New.
type Config struct {
	Tier      config.Tier
	Directory Directory

	// Identity decrypts the stored peer API keys.
	Identity *sealed.Identity

	// ExchangeTimeout bounds the token exchange and the WebSocket
	// handshake to the peer.
	ExchangeTimeout time.Duration

	// InsecureSkipVerify disables certificate verification for calls
	// to peers. It applies to this proxy's own transports only.
	InsecureSkipVerify bool

	Logger *slog.Logger
}

// Proxy relays terminal connections to peer nodes. Safe for
// concurrent use.
type Proxy struct {
	tier      config.Tier
	directory Directory
	identity  *sealed.Identity
	timeout   time.Duration
	insecure  bool
	logger    *slog.Logger

	mutex  sync.Mutex
	closed bool
	active map[*activeRelay]struct{}
}

// activeRelay is one client leg paired with its peer leg.
type activeRelay struct {
	client, remote *websocket.Conn
}

// New returns a Proxy.
func New(cfg Config) (*Proxy, error) {
	if cfg.Directory == nil {
		return nil, errors.New("federation: Directory is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("federation: Identity is required")
	}
	if cfg.ExchangeTimeout <= 0 {
		return nil, errors.New("federation: ExchangeTimeout must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		tier:      cfg.Tier,
		directory: cfg.Directory,
		identity:  cfg.Identity,
		timeout:   cfg.ExchangeTimeout,
		insecure:  cfg.InsecureSkipVerify,
		logger:    cfg.Logger,
		active:    make(map[*activeRelay]struct{}),
	}, nil
}

// Relay connects client to pane params.Get("paneId") on node nodeID
// and relays frames until either side closes. If it returns an error,
// nothing was relayed and client is untouched. Otherwise it returns
// nil after both sockets are closed.
func (p *Proxy) Relay(ctx context.Context, client *websocket.Conn, nodeID string, params url.Values) error {
	p.mutex.Lock()
	closed := p.closed
	p.mutex.Unlock()
	if closed {
		return ErrProxyClosed
	}
	remote, err := p.Dial(ctx, nodeID, params)
	if err != nil {
		return err
	}
	relay := &activeRelay{client: client, remote: remote}
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		remote.Close()
		return ErrProxyClosed
	}
	p.active[relay] = struct{}{}
	p.mutex.Unlock()
	defer func() {
		p.mutex.Lock()
		delete(p.active, relay)
		p.mutex.Unlock()
	}()

	logger := p.logger.With("node_id", nodeID, "pane_id", params.Get("paneId"))
	logger.Info("federation relay started")
	code := pipe(client, remote, logger)
	logger.Info("federation relay ended", "close_code", code)
	return nil
}

// Close refuses new relays and closes both legs of every active relay
// with 1001. Each Relay call then returns once its pipe has stopped.
func (p *Proxy) Close() {
	p.mutex.Lock()
	p.closed = true
	relays := make([]*activeRelay, 0, len(p.active))
	for relay := range p.active {
		relays = append(relays, relay)
	}
	p.mutex.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, relay := range relays {
		deadline := time.Now().Add(closeWriteTimeout)
		relay.client.WriteControl(websocket.CloseMessage, message, deadline)
		relay.remote.WriteControl(websocket.CloseMessage, message, deadline)
		relay.client.Close()
		relay.remote.Close()
	}
	if len(relays) > 0 {
		p.logger.Info("closed active federation relays", "count", len(relays))
	}
}

// Dial performs the token exchange with nodeID and opens the second
// leg. The caller owns the returned connection.
func (p *Proxy) Dial(ctx context.Context, nodeID string, params url.Values) (*websocket.Conn, error) {
	if p.tier != config.Federation {
		return nil, ErrFederationDisabled
	}

	peer, err := p.directory.Node(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("looking up node %s: %w", nodeID, err)
	}
	if !peer.HasPermission(nodedir.PermissionTerminal) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, nodeID)
	}
	plaintext, err := sealed.Decrypt(peer.EncryptedAPIKey, p.identity)
	if err != nil {
		return nil, fmt.Errorf("api key for node %s: %w", nodeID, err)
	}
	apiKey := string(plaintext)
	clear(plaintext)

	exchanged, err := p.exchangeToken(ctx, peer, apiKey, params)
	if err != nil {
		return nil, err
	}
	target, err := secondLegURL(peer.URL, exchanged.URL, apiKey)
	if err != nil {
		return nil, &RemoteUnreachableError{NodeID: nodeID, URL: exchanged.URL, Err: err}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.timeout,
		TLSClientConfig:  p.tlsConfig(),
	}
	header := http.Header{"User-Agent": {version.UserAgent("spaces-terminal")}}
	remote, response, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		unreachable := &RemoteUnreachableError{NodeID: nodeID, URL: redact(target), Err: err}
		if response != nil {
			unreachable.StatusCode = response.StatusCode
			response.Body.Close()
		}
		return nil, unreachable
	}
	return remote, nil
}

// exchangeToken calls POST <peer>/terminal/token once, with no retry.
func (p *Proxy) exchangeToken(ctx context.Context, peer nodedir.PeerNode, apiKey string, params url.Values) (terminal.TokenResponse, error) {
	endpoint := strings.TrimRight(peer.URL, "/") + "/terminal/token"
	unreachable := func(status int, err error) error {
		return &RemoteUnreachableError{NodeID: peer.ID, URL: endpoint, StatusCode: status, Err: err}
	}

	body, err := json.Marshal(exchangeRequest(params))
	if err != nil {
		return terminal.TokenResponse{}, fmt.Errorf("encoding token request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return terminal.TokenResponse{}, unreachable(0, err)
	}
	request.Header.Set("Authorization", "Bearer "+apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", version.UserAgent("spaces-terminal"))

	transport := p.transport()
	defer transport.CloseIdleConnections()
	response, err := (&http.Client{Transport: transport, Timeout: p.timeout}).Do(request)
	if err != nil {
		return terminal.TokenResponse{}, unreachable(0, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return terminal.TokenResponse{}, unreachable(response.StatusCode, errors.New(netutil.ErrorBody(response.Body)))
	}
	var exchanged terminal.TokenResponse
	if err := netutil.DecodeResponse(response.Body, &exchanged); err != nil {
		return terminal.TokenResponse{}, unreachable(0, fmt.Errorf("decoding token response: %w", err))
	}
	if exchanged.URL == "" {
		return terminal.TokenResponse{}, unreachable(0, errors.New("token response has no url"))
	}
	return exchanged, nil
}

// transport returns a fresh transport for one exchange. Verification
// settings live on it alone; nothing process-wide is touched.
func (p *Proxy) transport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     p.tlsConfig(),
		TLSHandshakeTimeout: p.timeout,
		ForceAttemptHTTP2:   true,
	}
}

func (p *Proxy) tlsConfig() *tls.Config {
	if !p.insecure {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

// exchangeRequest selects the pane parameters sent to the peer. The
// custom command is never forwarded.
func exchangeRequest(params url.Values) terminal.TokenRequest {
	cols, _ := strconv.Atoi(params.Get("cols"))
	rows, _ := strconv.Atoi(params.Get("rows"))
	return terminal.TokenRequest{
		PaneID:    params.Get("paneId"),
		Cwd:       params.Get("cwd"),
		AgentType: params.Get("agentType"),
		Resume:    params.Get("resume"),
		Cols:      cols,
		Rows:      rows,
	}
}

// secondLegURL turns the exchanged URL into the URL the relay dials:
// resolved against the peer base, upgraded to wss when the peer is
// https, with token, command and nodeId removed and the raw API key
// added.
func secondLegURL(peerBase, exchanged, apiKey string) (string, error) {
	base, err := url.Parse(peerBase)
	if err != nil {
		return "", fmt.Errorf("parsing peer url: %w", err)
	}
	reference, err := url.Parse(exchanged)
	if err != nil {
		return "", fmt.Errorf("parsing exchanged url: %w", err)
	}
	target := base.ResolveReference(reference)

	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	case "http":
		target.Scheme = "ws"
	}
	if base.Scheme == "https" && target.Scheme == "ws" {
		target.Scheme = "wss"
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	query := target.Query()
	query.Del("token")
	query.Del("command")
	query.Del("nodeId")
	query.Set("apiKey", apiKey)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// redact removes the API key from a URL for error messages.
func redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	query := parsed.Query()
	if query.Has("apiKey") {
		query.Set("apiKey", "REDACTED")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
