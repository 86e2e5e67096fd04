// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/launcher"
	"github.com/jlongo78/spaces-sub000/lib/testutil"
)

func TestSequentialConnectionsShareOneProcess(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t, "paneId=p1&token=user-alice")
	if ready := expectFrame[ReadyFrame](t, first); ready.PaneID != "p1" || ready.Reattached {
		t.Fatalf("first ready = %+v, want fresh p1", ready)
	}
	process := h.nextProcess(t)
	process.emit(t, "hello")
	expectData(t, first, "hello")
	first.closeCleanly(t)

	second := h.dial(t, "paneId=p1&token=user-alice")
	if ready := expectFrame[ReadyFrame](t, second); !ready.Reattached {
		t.Fatalf("second ready = %+v, want reattached", ready)
	}
	expectData(t, second, "hello")

	if count := h.spawner.count(); count != 1 {
		t.Errorf("spawned %d processes, want 1", count)
	}
}

func TestAuthenticationFailureSpawnsNothing(t *testing.T) {
	h := newHarness(t)
	for _, query := range []string{"paneId=p1", "paneId=p1&token=forged", "paneId=p1&apiKey=spk_nope"} {
		c := h.dial(t, query)
		frame := expectFrame[ErrorFrame](t, c)
		if !strings.Contains(frame.Message, "authentication") {
			t.Errorf("%s: error = %q", query, frame.Message)
		}
		c.expectClose(t, websocket.ClosePolicyViolation)
	}
	if count := h.spawner.count(); count != 0 {
		t.Errorf("spawned %d processes for unauthenticated connections", count)
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry holds %d sessions", h.registry.Len())
	}
}

func TestReattachReplaysInOrderThenLive(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, first)
	process := h.nextProcess(t)
	first.closeCleanly(t)

	var want []string
	for i := range 20 {
		chunk := fmt.Sprintf("chunk-%02d", i)
		want = append(want, chunk)
		process.emit(t, chunk)
	}
	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && sessions[0].BufferedChunks == len(want)
	}, timeout, "waiting for output to be buffered")

	second := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, second)
	for _, chunk := range want {
		expectData(t, second, chunk)
	}
	process.emit(t, "live")
	expectData(t, second, "live")
}

func TestOutputBufferEvictsOldestChunks(t *testing.T) {
	h := newHarness(t, func(_ *Config, registry *RegistryConfig) { registry.BufferChunks = 5 })
	first := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, first)
	process := h.nextProcess(t)
	first.closeCleanly(t)

	for i := range 8 {
		process.emit(t, fmt.Sprintf("%d", i))
	}
	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && sessions[0].BufferedChunks == 5
	}, timeout, "waiting for output to be buffered")

	second := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, second)
	for i := 3; i < 8; i++ {
		expectData(t, second, fmt.Sprintf("%d", i))
	}
	process.emit(t, "live")
	expectData(t, second, "live")
}

func TestFullReplayFitsSendQueue(t *testing.T) {
	h := newHarness(t, func(config *Config, registry *RegistryConfig) {
		registry.BufferChunks = 50
		config.MaxQueuedFrames = 54
	})
	first := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, first)
	process := h.nextProcess(t)
	first.closeCleanly(t)

	for i := range 50 {
		process.emit(t, fmt.Sprintf("%d", i))
	}
	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && sessions[0].BufferedChunks == 50
	}, timeout, "waiting for output to be buffered")
	process.finish(launcher.ExitStatus{Code: 0})
	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && sessions[0].Exited
	}, timeout, "waiting for exit")

	second := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, second)
	for i := range 50 {
		expectData(t, second, fmt.Sprintf("%d", i))
	}
	expectFrame[ExitFrame](t, second)
}

func TestNewServerRejectsQueueSmallerThanReplay(t *testing.T) {
	registry, err := NewRegistry(RegistryConfig{
		Spawner:      newFakeSpawner(),
		BufferChunks: 50,
		Logger:       discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewServer(Config{
		Registry:          registry,
		Auth:              fakeAuth{},
		TokenTTL:          time.Minute,
		HeartbeatInterval: time.Second,
		MaxQueuedFrames:   53,
	})
	if err == nil || !strings.Contains(err.Error(), "MaxQueuedFrames") {
		t.Fatalf("NewServer() error = %v, want MaxQueuedFrames rejection", err)
	}
}

func TestExitFrameAndGraceWindow(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, first)
	process := h.nextProcess(t)

	process.emit(t, "bye")
	process.finish(launcher.ExitStatus{Code: 3})
	expectData(t, first, "bye")
	if exit := expectFrame[ExitFrame](t, first); exit.ExitCode != 3 || exit.Reason != "" {
		t.Fatalf("exit = %+v, want code 3", exit)
	}
	first.closeCleanly(t)

	// Heartbeat ticker plus the removal timer.
	h.clock.WaitForTimers(2)

	second := h.dial(t, "paneId=p1&token=user-alice")
	if ready := expectFrame[ReadyFrame](t, second); !ready.Reattached {
		t.Fatal("reattach within grace should report reattached")
	}
	expectData(t, second, "bye")
	if exit := expectFrame[ExitFrame](t, second); exit.ExitCode != 3 {
		t.Fatalf("resent exit = %+v", exit)
	}

	h.clock.Advance(31 * time.Second)
	second.expectClose(t, websocket.CloseNormalClosure)
	testutil.Eventually(t, func() bool { return h.registry.Len() == 0 }, timeout, "waiting for removal")

	third := h.dial(t, "paneId=p1&token=user-alice")
	if ready := expectFrame[ReadyFrame](t, third); ready.Reattached {
		t.Fatal("pane reopened after removal should be fresh")
	}
	if count := h.spawner.count(); count != 2 {
		t.Errorf("spawned %d processes, want 2", count)
	}
}

func TestNewConnectionDisplacesOld(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, first)
	process := h.nextProcess(t)

	second := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, second)
	expectFrame[ErrorFrame](t, first)
	first.expectClose(t, CloseDisplaced)

	process.emit(t, "only-second")
	expectData(t, second, "only-second")
	if count := h.spawner.count(); count != 1 {
		t.Errorf("spawned %d processes, want 1", count)
	}
}

func TestClientInputReachesProcess(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "paneId=p1&token=user-alice&cols=100&rows=30")
	expectFrame[ReadyFrame](t, c)
	process := h.nextProcess(t)
	if process.request.Cols != 100 || process.request.Rows != 30 || process.request.Username != "alice" {
		t.Errorf("launch request = %+v", process.request)
	}

	c.send(t, `{"type":"data","data":"ls\r"}`)
	if got := testutil.RequireReceive(t, process.input, timeout, "data frame"); string(got) != "ls\r" {
		t.Errorf("input = %q", got)
	}
	c.send(t, "plain keystrokes")
	if got := testutil.RequireReceive(t, process.input, timeout, "raw input"); string(got) != "plain keystrokes" {
		t.Errorf("raw input = %q", got)
	}
	c.send(t, `{"kind":"not a frame"}`)
	if got := testutil.RequireReceive(t, process.input, timeout, "untyped json"); string(got) != `{"kind":"not a frame"}` {
		t.Errorf("untyped json input = %q", got)
	}
	c.send(t, `{"type":"resize","cols":120,"rows":40}`)
	if got := testutil.RequireReceive(t, process.resizes, timeout, "resize"); got != [2]uint16{120, 40} {
		t.Errorf("resize = %v", got)
	}

	c.send(t, `{"type":"paste","data":"rm -rf /"}`)
	c.send(t, `{"type":"data","data":"after"}`)
	if got := testutil.RequireReceive(t, process.input, timeout, "input after unknown frame"); string(got) != "after" {
		t.Errorf("unknown frame reached the process: got %q", got)
	}
}

func TestSplitUTF8IsForwardedWhole(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, c)
	process := h.nextProcess(t)

	euro := "€"
	process.emit(t, "a"+euro[:2])
	process.emit(t, euro[2:]+"b")
	expectData(t, c, "a")
	expectData(t, c, euro+"b")
}

func TestForeignPaneRefused(t *testing.T) {
	h := newHarness(t)
	owner := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, owner)

	intruder := h.dial(t, "paneId=p1&token=user-bob")
	if frame := expectFrame[ErrorFrame](t, intruder); !strings.Contains(frame.Message, "another user") {
		t.Errorf("error = %q", frame.Message)
	}
	intruder.expectClose(t, websocket.ClosePolicyViolation)

	admin := h.dial(t, "paneId=p1&token=user-root")
	if ready := expectFrame[ReadyFrame](t, admin); !ready.Reattached {
		t.Error("admin should attach to the existing pane")
	}
	if count := h.spawner.count(); count != 1 {
		t.Errorf("spawned %d processes, want 1", count)
	}
}

func TestSpawnFailureLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	h.spawner.setErr(errors.New("no pty available"))

	c := h.dial(t, "paneId=p1&token=user-alice")
	frame := expectFrame[ErrorFrame](t, c)
	if !strings.Contains(frame.Message, "no pty available") {
		t.Errorf("error = %q", frame.Message)
	}
	c.expectClose(t, websocket.CloseInternalServerErr)
	if h.registry.Len() != 0 {
		t.Fatalf("registry holds %d sessions after failed spawn", h.registry.Len())
	}

	h.spawner.setErr(nil)
	retry := h.dial(t, "paneId=p1&token=user-alice")
	if ready := expectFrame[ReadyFrame](t, retry); ready.Reattached {
		t.Error("retry after failed spawn should be fresh")
	}
}

func TestInvalidParametersRejected(t *testing.T) {
	h := newHarness(t)
	for _, query := range []string{"token=user-alice", "paneId=../x&token=user-alice", "paneId=p1&agentType=cursor&token=user-alice"} {
		c := h.dial(t, query)
		expectFrame[ErrorFrame](t, c)
		c.expectClose(t, websocket.CloseUnsupportedData)
	}
	if count := h.spawner.count(); count != 0 {
		t.Errorf("spawned %d processes", count)
	}
}

func TestDeleteSessionKillsProcess(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, c)
	h.nextProcess(t)

	tests := []struct {
		token, pane string
		want        int
	}{
		{"", "p1", http.StatusUnauthorized},
		{"user-bob", "p1", http.StatusForbidden},
		{"user-alice", "p2", http.StatusNotFound},
	}
	for _, test := range tests {
		response := h.request(t, http.MethodDelete, "/terminal/sessions/"+test.pane, test.token, nil)
		if response.StatusCode != test.want {
			t.Errorf("DELETE %s as %q = %d, want %d", test.pane, test.token, response.StatusCode, test.want)
		}
	}

	response := h.request(t, http.MethodDelete, "/terminal/sessions/p1", "user-alice", nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d", response.StatusCode)
	}
	if exit := expectFrame[ExitFrame](t, c); exit.ExitCode != 129 || exit.Reason != "SIGHUP" {
		t.Errorf("exit = %+v", exit)
	}
}

func TestListSessions(t *testing.T) {
	h := newHarness(t)
	for _, query := range []string{"paneId=p2&token=user-bob", "paneId=p1&token=user-alice&agentType=codex"} {
		expectFrame[ReadyFrame](t, h.dial(t, query))
	}

	list := func(token string) []SessionInfo {
		response := h.request(t, http.MethodGet, "/terminal/sessions", token, nil)
		if response.StatusCode != http.StatusOK {
			t.Fatalf("GET as %s = %d", token, response.StatusCode)
		}
		var sessions []SessionInfo
		if err := json.NewDecoder(response.Body).Decode(&sessions); err != nil {
			t.Fatal(err)
		}
		return sessions
	}

	own := list("user-alice")
	if len(own) != 1 || own[0].PaneID != "p1" || own[0].Agent != launcher.AgentCodex || !own[0].Attached {
		t.Errorf("alice sees %+v", own)
	}
	all := list("user-root")
	if len(all) != 2 || all[0].PaneID != "p1" || all[1].PaneID != "p2" {
		t.Errorf("admin sees %+v", all)
	}
	if response := h.request(t, http.MethodGet, "/terminal/sessions", "", nil); response.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous list = %d", response.StatusCode)
	}
}

func TestTokenExchangeURLOpensPane(t *testing.T) {
	h := newHarness(t)
	body := strings.NewReader(`{"paneId":"p9","agentType":"shell","command":"make","cols":132}`)
	response := h.request(t, http.MethodPost, "/terminal/token", "user-alice", body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("POST /terminal/token = %d", response.StatusCode)
	}
	var exchange TokenResponse
	if err := json.NewDecoder(response.Body).Decode(&exchange); err != nil {
		t.Fatal(err)
	}
	if exchange.Token != "user-alice" || exchange.ExpiresAt.IsZero() {
		t.Errorf("exchange = %+v", exchange)
	}

	parsed, err := url.Parse(exchange.URL)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Scheme != "ws" || parsed.Path != "/terminal" {
		t.Errorf("url = %s", exchange.URL)
	}
	query := parsed.Query()
	if query.Get("paneId") != "p9" || query.Get("token") != "user-alice" || query.Get("cols") != "132" || query.Get("command") != "make" {
		t.Errorf("query = %v", query)
	}

	ws, _, err := websocket.DefaultDialer.Dial(exchange.URL, nil)
	if err != nil {
		t.Fatalf("dialing exchanged URL: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	expectFrame[ReadyFrame](t, newClient(ws))
	if process := h.nextProcess(t); process.request.Cols != 132 || process.request.Command != "make" {
		t.Errorf("launch request = %+v", process.request)
	}

	if response := h.request(t, http.MethodPost, "/terminal/token", "", nil); response.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous exchange = %d", response.StatusCode)
	}
}

func TestTokenExchangeUsesPublicURL(t *testing.T) {
	h := newHarness(t, func(config *Config, _ *RegistryConfig) { config.PublicURL = "https://spaces.example.com/" })
	response := h.request(t, http.MethodPost, "/terminal/token?paneId=p1", "user-alice", nil)
	var exchange TokenResponse
	if err := json.NewDecoder(response.Body).Decode(&exchange); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(exchange.URL, "wss://spaces.example.com/terminal?") {
		t.Errorf("url = %s", exchange.URL)
	}
}

func TestHeartbeatTerminatesSilentSocket(t *testing.T) {
	h := newHarness(t)
	// No reader: pings are never answered.
	h.dialRaw(t, "paneId=p1&token=user-alice")
	h.nextProcess(t)
	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && sessions[0].Attached
	}, timeout, "waiting for attach")

	h.server.heartbeat.sweep()
	h.server.heartbeat.sweep()

	testutil.Eventually(t, func() bool {
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && !sessions[0].Attached
	}, timeout, "waiting for the silent socket to be dropped")
	if count := h.spawner.count(); count != 1 {
		t.Errorf("heartbeat must not end the process; spawned %d", count)
	}
}

func TestHeartbeatKeepsRespondingSocket(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "paneId=p1&token=user-alice")
	expectFrame[ReadyFrame](t, c)

	for range 4 {
		h.server.heartbeat.sweep()
		testutil.Eventually(t, func() bool {
			h.server.heartbeat.mutex.Lock()
			defer h.server.heartbeat.mutex.Unlock()
			for conn := range h.server.heartbeat.conns {
				if !conn.(*Conn).alive.Load() {
					return false
				}
			}
			return len(h.server.heartbeat.conns) == 1
		}, timeout, "waiting for pong")
	}
	sessions := h.registry.List(alice())
	if len(sessions) != 1 || !sessions[0].Attached {
		t.Errorf("responsive socket dropped: %+v", sessions)
	}
}

func TestHeartbeatRunsOnClock(t *testing.T) {
	h := newHarness(t)
	h.dialRaw(t, "paneId=p1&token=user-alice")
	h.nextProcess(t)
	h.clock.WaitForTimers(1)

	testutil.Eventually(t, func() bool {
		h.clock.Advance(30 * time.Second)
		sessions := h.registry.List(alice())
		return len(sessions) == 1 && !sessions[0].Attached
	}, timeout, "waiting for the ticker to drop the silent socket")
}

type fakeRelayer struct {
	calls chan string
	err   error
}

func (r *fakeRelayer) Relay(_ context.Context, client *websocket.Conn, nodeID string, params url.Values) error {
	r.calls <- nodeID
	return r.err
}

func TestRemotePaneRouting(t *testing.T) {
	t.Run("without federation", func(t *testing.T) {
		h := newHarness(t)
		c := h.dial(t, "paneId=p1&nodeId=peer&token=user-alice")
		if frame := expectFrame[ErrorFrame](t, c); !strings.Contains(frame.Message, "federation") {
			t.Errorf("error = %q", frame.Message)
		}
		if h.spawner.count() != 0 {
			t.Error("remote pane spawned locally")
		}
	})

	t.Run("relay failure reported", func(t *testing.T) {
		relayer := &fakeRelayer{calls: make(chan string, 1), err: errors.New("peer unreachable")}
		h := newHarness(t, func(config *Config, _ *RegistryConfig) { config.Federation = relayer })
		c := h.dial(t, "paneId=p1&nodeId=peer&token=user-alice")
		if node := testutil.RequireReceive(t, relayer.calls, timeout, "relay call"); node != "peer" {
			t.Errorf("relayed to %q", node)
		}
		if frame := expectFrame[ErrorFrame](t, c); frame.Message != "peer unreachable" {
			t.Errorf("error = %q", frame.Message)
		}
		c.expectClose(t, websocket.CloseTryAgainLater)
	})

	t.Run("own node id is local", func(t *testing.T) {
		relayer := &fakeRelayer{calls: make(chan string, 1)}
		h := newHarness(t, func(config *Config, _ *RegistryConfig) { config.Federation = relayer })
		c := h.dial(t, "paneId=p1&nodeId=local&token=user-alice")
		expectFrame[ReadyFrame](t, c)
		if len(relayer.calls) != 0 {
			t.Error("local node id was relayed")
		}
	})
}

// readingRelayer stands in for a peer relay: it reads the client leg
// until it fails.
type readingRelayer struct {
	started chan struct{}
	ended   chan error
}

func (r *readingRelayer) Relay(_ context.Context, client *websocket.Conn, _ string, _ url.Values) error {
	close(r.started)
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			r.ended <- err
			return nil
		}
	}
}

func TestHeartbeatTerminatesSilentRelayedSocket(t *testing.T) {
	relayer := &readingRelayer{started: make(chan struct{}), ended: make(chan error, 1)}
	h := newHarness(t, func(config *Config, _ *RegistryConfig) { config.Federation = relayer })
	// No reader: pings are never answered.
	h.dialRaw(t, "paneId=p1&nodeId=peer&token=user-alice")
	testutil.RequireClosed(t, relayer.started, timeout, "relay start")

	h.server.heartbeat.sweep()
	h.server.heartbeat.sweep()

	testutil.RequireReceive(t, relayer.ended, timeout, "relay end after missed pong")
	h.server.heartbeat.mutex.Lock()
	defer h.server.heartbeat.mutex.Unlock()
	if len(h.server.heartbeat.conns) != 0 {
		t.Errorf("heartbeat still tracks %d sockets", len(h.server.heartbeat.conns))
	}
}

func TestHeartbeatKeepsRespondingRelayedSocket(t *testing.T) {
	relayer := &readingRelayer{started: make(chan struct{}), ended: make(chan error, 1)}
	h := newHarness(t, func(config *Config, _ *RegistryConfig) { config.Federation = relayer })
	ws := h.dialRaw(t, "paneId=p1&nodeId=peer&token=user-alice")
	// Reading lets the client answer pings.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	testutil.RequireClosed(t, relayer.started, timeout, "relay start")

	for range 3 {
		h.server.heartbeat.sweep()
		testutil.Eventually(t, func() bool {
			h.server.heartbeat.mutex.Lock()
			defer h.server.heartbeat.mutex.Unlock()
			for socket := range h.server.heartbeat.conns {
				return socket.(*relayedSocket).alive.Load()
			}
			return false
		}, timeout, "waiting for pong")
	}
	if len(relayer.ended) != 0 {
		t.Error("responsive relayed socket was closed")
	}
}

func TestOriginCheck(t *testing.T) {
	h := newHarness(t, func(config *Config, _ *RegistryConfig) {
		config.AllowedOrigins = []string{"http://localhost:3000"}
	})
	dial := func(origin string) error {
		header := http.Header{}
		header.Set("Origin", origin)
		ws, _, err := websocket.DefaultDialer.Dial(h.url("paneId=p1&token=user-alice"), header)
		if err == nil {
			ws.Close()
		}
		return err
	}
	if err := dial(h.http.URL); err != nil {
		t.Errorf("same-host origin rejected: %v", err)
	}
	if err := dial("http://localhost:3000"); err != nil {
		t.Errorf("allowed origin rejected: %v", err)
	}
	if err := dial("https://evil.example"); err == nil {
		t.Error("foreign origin accepted")
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	response := h.request(t, http.MethodGet, "/health", "", nil)
	var health map[string]any
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if response.StatusCode != http.StatusOK || health["status"] != "ok" || health["node_id"] != "local" {
		t.Errorf("health = %d %v", response.StatusCode, health)
	}
}
