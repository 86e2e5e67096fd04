// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jlongo78/spaces-sub000/lib/clock"
)

// liveSocket is a socket the heartbeat can ping. Terminal Conns and
// relayed client sockets both qualify.
type liveSocket interface {
	socketID() string
	// swapAlive clears the pong flag and reports whether it was set.
	swapAlive() bool
	ping() error
	Terminate()
}

// heartbeat pings every tracked socket each interval. A socket that
// has not answered the previous sweep's ping is terminated, so one
// missed pong is fatal.
type heartbeat struct {
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mutex sync.Mutex
	conns map[liveSocket]struct{}
}

func newHeartbeat(clk clock.Clock, interval time.Duration, logger *slog.Logger) *heartbeat {
	return &heartbeat{
		clock:    clk,
		interval: interval,
		logger:   logger,
		conns:    make(map[liveSocket]struct{}),
	}
}

func (h *heartbeat) add(conn liveSocket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *heartbeat) remove(conn liveSocket) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.conns, conn)
}

// run sweeps until ctx is cancelled.
func (h *heartbeat) run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *heartbeat) sweep() {
	h.mutex.Lock()
	conns := make([]liveSocket, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mutex.Unlock()

	for _, conn := range conns {
		if !conn.swapAlive() {
			h.logger.Info("heartbeat missed, terminating socket", "conn_id", conn.socketID())
			h.remove(conn)
			conn.Terminate()
			continue
		}
		if err := conn.ping(); err != nil {
			h.logger.Debug("ping failed", "conn_id", conn.socketID(), "error", err)
		}
	}
}
