// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/lib/netutil"
)

const (
	// writeTimeout bounds a single socket write. A client that cannot
	// accept a frame in this time is dropped.
	writeTimeout = 10 * time.Second

	// closeTimeout bounds the close handshake write.
	closeTimeout = time.Second

	// maxMessageSize bounds client messages.
	maxMessageSize = 1 << 20
)

// Close codes in the private range used by the terminal host.
const (
	// CloseDisplaced is sent to a socket replaced by a newer
	// connection to the same pane.
	CloseDisplaced = 4000

	// CloseLagging is sent to a client whose unsent frame queue
	// exceeded the configured limit.
	CloseLagging = 4001
)

// Conn is one client socket. Frames are queued without blocking and
// written by a dedicated goroutine, so a slow client never stalls the
// session that feeds it.
type Conn struct {
	id        string
	ws        *websocket.Conn
	maxQueued int
	logger    *slog.Logger

	// alive is set by pongs and cleared by each heartbeat sweep.
	alive atomic.Bool

	mutex   sync.Mutex
	wake    *sync.Cond
	pending *queue.Queue
	// closing stops new frames. Frames already queued are still
	// written unless aborted is set.
	closing    bool
	aborted    bool
	closeCode  int
	closeText  string
	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, maxQueued int, logger *slog.Logger) *Conn {
	conn := &Conn{
		id:         uuid.NewString(),
		ws:         ws,
		maxQueued:  maxQueued,
		pending:    queue.New(),
		writerDone: make(chan struct{}),
	}
	conn.logger = logger.With("conn_id", conn.id)
	conn.wake = sync.NewCond(&conn.mutex)
	conn.alive.Store(true)

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})
	go conn.writeLoop()
	return conn
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Send queues frame. It returns false if the connection is closing or
// the queue overflowed; on overflow the connection is torn down.
func (c *Conn) Send(frame ServerFrame) bool {
	message, err := EncodeFrame(frame)
	if err != nil {
		c.logger.Error("encoding frame", "error", err)
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closing {
		return false
	}
	if c.maxQueued > 0 && c.pending.Length() >= c.maxQueued {
		c.logger.Warn("client lagging, disconnecting", "queued_frames", c.pending.Length())
		c.abortLocked(CloseLagging, "output queue overflow")
		return false
	}
	c.pending.Add(message)
	c.wake.Signal()
	return true
}

// Close writes any queued frames, then a close message with code and
// text, then closes the socket. It does not wait.
func (c *Conn) Close(code int, text string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	c.closeCode = code
	c.closeText = text
	c.wake.Signal()
}

// Terminate drops queued frames and closes the socket immediately.
func (c *Conn) Terminate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.abortLocked(websocket.CloseGoingAway, "")
}

// Closing reports whether Close or Terminate was called, or the
// connection was dropped.
func (c *Conn) Closing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closing
}

// Done is closed once the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.writerDone }

func (c *Conn) abortLocked(code int, text string) {
	if c.aborted {
		return
	}
	c.closing = true
	c.aborted = true
	c.closeCode = code
	c.closeText = text
	for c.pending.Length() > 0 {
		c.pending.Remove()
	}
	c.wake.Signal()
	// Unblock a write in progress.
	c.ws.Close()
}

// ping sends a ping control frame. WriteControl may be called
// concurrently with the writer goroutine.
func (c *Conn) socketID() string { return c.id }

func (c *Conn) swapAlive() bool { return c.alive.Swap(false) }

func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		c.mutex.Lock()
		for c.pending.Length() == 0 && !c.closing {
			c.wake.Wait()
		}
		if c.pending.Length() == 0 {
			code, text, aborted := c.closeCode, c.closeText, c.aborted
			c.mutex.Unlock()
			if !aborted {
				message := websocket.FormatCloseMessage(code, text)
				if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeTimeout)); err != nil &&
					!netutil.IsExpectedCloseError(err) {
					c.logger.Debug("writing close frame", "error", err)
				}
			}
			c.ws.Close()
			return
		}
		message := c.pending.Remove().([]byte)
		c.mutex.Unlock()

		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				c.logger.Info("socket write failed", "error", err)
			}
			c.mutex.Lock()
			c.abortLocked(websocket.CloseAbnormalClosure, "")
			c.mutex.Unlock()
		}
	}
}
