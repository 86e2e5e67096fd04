// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// relayedSocket is a client socket handed to the federation relay. The
// relay owns its reads and writes; the heartbeat only pings it and,
// when a pong is missed, closes it, which ends the relay.
type relayedSocket struct {
	id    string
	ws    *websocket.Conn
	alive atomic.Bool
}

// newRelayedSocket must be called before the relay starts reading, as
// pongs are only seen by the reader.
func newRelayedSocket(ws *websocket.Conn) *relayedSocket {
	socket := &relayedSocket{id: uuid.NewString(), ws: ws}
	socket.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		socket.alive.Store(true)
		return nil
	})
	return socket
}

func (r *relayedSocket) socketID() string { return r.id }

func (r *relayedSocket) swapAlive() bool { return r.alive.Swap(false) }

func (r *relayedSocket) ping() error {
	return r.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Terminate closes the socket with 1001. The relay's reader fails and
// the relay closes the peer leg.
func (r *relayedSocket) Terminate() {
	r.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat missed"),
		time.Now().Add(closeTimeout))
	r.ws.Close()
}
