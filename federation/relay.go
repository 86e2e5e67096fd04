// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/lib/netutil"
)

const closeWriteTimeout = time.Second

// legEnd reports why one direction of the relay stopped.
type legEnd struct {
	err error
}

// pipe copies frames between a and b until either fails, then closes
// both with the close code the failing side reported. It returns that
// code after both directions have stopped.
func pipe(a, b *websocket.Conn, logger *slog.Logger) int {
	ends := make(chan legEnd, 2)
	go copyFrames(a, b, ends)
	go copyFrames(b, a, ends)

	first := <-ends
	code, text := closeCode(first.err)
	var closeError *websocket.CloseError
	if !errors.As(first.err, &closeError) && !netutil.IsExpectedCloseError(first.err) {
		logger.Info("relay leg failed", "error", first.err)
	}

	message := websocket.FormatCloseMessage(code, text)
	deadline := time.Now().Add(closeWriteTimeout)
	a.WriteControl(websocket.CloseMessage, message, deadline)
	b.WriteControl(websocket.CloseMessage, message, deadline)
	a.Close()
	b.Close()
	<-ends
	return code
}

// copyFrames forwards every message from src to dst unchanged.
func copyFrames(src, dst *websocket.Conn, ends chan<- legEnd) {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			ends <- legEnd{err: err}
			return
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			ends <- legEnd{err: err}
			return
		}
	}
}

// closeCode maps the error that ended a leg to the close frame sent to
// both legs. Codes that may not appear on the wire are replaced: no
// status becomes a normal closure, anything else going away.
func closeCode(err error) (int, string) {
	var closeError *websocket.CloseError
	if errors.As(err, &closeError) {
		switch closeError.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.CloseNormalClosure, ""
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.CloseGoingAway, "peer connection lost"
		}
		return closeError.Code, closeError.Text
	}
	return websocket.CloseGoingAway, "peer connection lost"
}
