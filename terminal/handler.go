// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/launcher"
	"github.com/jlongo78/spaces-sub000/lib/netutil"
)

// paneIDPattern restricts pane ids to what the UI generates.
var paneIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// maxOpenAttempts bounds reopening a pane whose session was removed
// between Open and attach.
const maxOpenAttempts = 3

// serveTerminal upgrades GET /terminal. The caller is authenticated
// before anything else happens; a failure is reported as an error
// frame and no process is spawned.
func (s *Server) serveTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ctx := r.Context()
	query := r.URL.Query()

	identity, err := s.auth.Resolve(ctx, auth.CredentialsFromRequest(r))
	if err != nil {
		s.logger.Info("terminal connection rejected", "remote_addr", r.RemoteAddr, "error", err)
		rejectSocket(ws, websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	logger := s.logger.With("username", identity.Username, "scheme", identity.Scheme)

	if nodeID := query.Get("nodeId"); nodeID != "" && nodeID != s.nodeID {
		s.relay(ctx, ws, nodeID, query, logger)
		return
	}

	request, err := requestFromQuery(query)
	if err != nil {
		rejectSocket(ws, websocket.CloseUnsupportedData, err.Error())
		return
	}
	logger = logger.With("pane_id", request.PaneID)

	sess, reattached, err := s.registry.Open(ctx, request, identity)
	if err != nil {
		rejectSocket(ws, openFailureCode(err), openFailureMessage(err))
		logger.Warn("opening terminal session failed", "error", err)
		return
	}

	conn := newConn(ws, s.maxQueuedFrames, logger)
	s.heartbeat.add(conn)
	defer s.heartbeat.remove(conn)

	sess, err = s.attach(ctx, conn, sess, reattached, request, identity)
	if err != nil {
		logger.Warn("attaching terminal session failed", "error", err)
		conn.Send(ErrorFrame{Message: openFailureMessage(err)})
		conn.Close(openFailureCode(err), "")
		return
	}
	logger.Info("terminal attached", "conn_id", conn.id, "reattached", reattached)

	s.readLoop(ws, conn, sess, logger)

	sess.detach(conn)
	conn.Close(websocket.CloseNormalClosure, "")
	logger.Info("terminal detached", "conn_id", conn.id)
}

// attach attaches conn, reopening the pane if its session was removed
// in the meantime.
func (s *Server) attach(ctx context.Context, conn *Conn, sess *session, reattached bool, request launcher.Request, identity auth.Result) (*session, error) {
	for attempt := 1; ; attempt++ {
		err := sess.attach(conn, reattached)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, errSessionGone) || attempt == maxOpenAttempts {
			return nil, err
		}
		sess, reattached, err = s.registry.Open(ctx, request, identity)
		if err != nil {
			return nil, err
		}
	}
}

// readLoop writes client input to the process until the socket fails.
func (s *Server) readLoop(ws *websocket.Conn, conn *Conn, sess *session, logger *slog.Logger) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !conn.Closing() {
				logger.Debug("socket read failed", "error", err)
			}
			return
		}
		if conn.Closing() {
			// Displaced or lagging: input no longer belongs here.
			continue
		}
		frame, err := ParseClientFrame(message)
		if err != nil {
			logger.Warn("client frame rejected", "error", err)
			continue
		}
		switch frame := frame.(type) {
		case InputFrame:
			sess.write([]byte(frame.Data))
		case ResizeFrame:
			sess.resize(frame.Cols, frame.Rows)
		case RawInput:
			sess.write(frame.Bytes)
		}
	}
}

func (s *Server) relay(ctx context.Context, ws *websocket.Conn, nodeID string, query url.Values, logger *slog.Logger) {
	logger = logger.With("node_id", nodeID)
	if s.federation == nil {
		rejectSocket(ws, websocket.ClosePolicyViolation, "federation is not enabled on this node")
		return
	}
	logger.Info("relaying terminal to peer node", "pane_id", query.Get("paneId"))
	socket := newRelayedSocket(ws)
	s.heartbeat.add(socket)
	defer s.heartbeat.remove(socket)
	if err := s.federation.Relay(ctx, ws, nodeID, query); err != nil {
		logger.Warn("federation relay failed", "error", err)
		rejectSocket(ws, websocket.CloseTryAgainLater, err.Error())
	}
}

// requestFromQuery builds a launch request from connection parameters.
// Unparseable dimensions fall back to the launcher default.
func requestFromQuery(query url.Values) (launcher.Request, error) {
	paneID := query.Get("paneId")
	if !paneIDPattern.MatchString(paneID) {
		return launcher.Request{}, fmt.Errorf("invalid paneId %q", paneID)
	}
	agent, err := launcher.ParseAgentType(query.Get("agentType"))
	if err != nil {
		return launcher.Request{}, err
	}
	return launcher.Request{
		PaneID:  paneID,
		WorkDir: query.Get("cwd"),
		Agent:   agent,
		Resume:  query.Get("resume"),
		Command: query.Get("command"),
		Cols:    parseDimension(query.Get("cols")),
		Rows:    parseDimension(query.Get("rows")),
	}, nil
}

func parseDimension(value string) uint16 {
	parsed, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(parsed)
}

func openFailureCode(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return websocket.ClosePolicyViolation
	case errors.Is(err, ErrShuttingDown):
		return websocket.CloseGoingAway
	}
	return websocket.CloseInternalServerErr
}

func openFailureMessage(err error) string {
	var spawnError *launcher.SpawnError
	switch {
	case errors.Is(err, ErrForbidden):
		return "pane belongs to another user"
	case errors.Is(err, ErrShuttingDown):
		return "server is shutting down"
	case errors.As(err, &spawnError):
		return "failed to start terminal: " + spawnError.Err.Error()
	}
	return "terminal unavailable"
}

// rejectSocket sends an error frame and closes a socket that was never
// handed to a Conn.
func rejectSocket(ws *websocket.Conn, code int, message string) {
	defer ws.Close()
	payload, err := EncodeFrame(ErrorFrame{Message: message})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(closeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, closeReason(message)), time.Now().Add(closeTimeout))
}

// closeReason truncates text to fit a close frame.
func closeReason(text string) string {
	const limit = 120
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
