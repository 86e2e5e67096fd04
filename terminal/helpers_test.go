// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/launcher"
	"github.com/jlongo78/spaces-sub000/lib/clock"
	"github.com/jlongo78/spaces-sub000/lib/testutil"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

const timeout = 5 * time.Second

var discard = slog.New(slog.DiscardHandler)

// fakeAuth accepts terminal tokens of the form "user-<name>". The user
// "root" is an admin.
type fakeAuth struct{}

func (fakeAuth) Resolve(_ context.Context, credentials auth.Credentials) (auth.Result, error) {
	username, ok := strings.CutPrefix(credentials.TerminalToken, "user-")
	if !ok || username == "" {
		return auth.Result{}, auth.ErrUnauthenticated
	}
	scope := nodedir.ScopeTerminal
	if username == "root" {
		scope = nodedir.ScopeAdmin
	}
	return auth.Result{Username: username, Scheme: auth.SchemeTerminalToken, Scope: scope}, nil
}

func (fakeAuth) MintTerminalToken(username string, ttl time.Duration) (string, time.Time, error) {
	return "user-" + username, time.Unix(1_700_000_000, 0).Add(ttl), nil
}

// fakeProcess is a pane process driven by the test.
type fakeProcess struct {
	request launcher.Request
	output  chan []byte
	input   chan []byte
	resizes chan [2]uint16

	finishOnce sync.Once
	status     launcher.ExitStatus
	waited     chan struct{}
}

func newFakeProcess(request launcher.Request) *fakeProcess {
	return &fakeProcess{
		request: request,
		output:  make(chan []byte, 64),
		input:   make(chan []byte, 64),
		resizes: make(chan [2]uint16, 16),
		waited:  make(chan struct{}),
	}
}

func (p *fakeProcess) Read(buffer []byte) (int, error) {
	data, ok := <-p.output
	if !ok {
		return 0, io.EOF
	}
	return copy(buffer, data), nil
}

func (p *fakeProcess) Write(data []byte) (int, error) {
	p.input <- append([]byte(nil), data...)
	return len(data), nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.resizes <- [2]uint16{cols, rows}
	return nil
}

func (p *fakeProcess) Wait() launcher.ExitStatus {
	<-p.waited
	return p.status
}

func (p *fakeProcess) Kill() error {
	p.finish(launcher.ExitStatus{Code: 129, Reason: "SIGHUP"})
	return nil
}

func (p *fakeProcess) Close() error { return nil }

// emit makes the process print data.
func (p *fakeProcess) emit(t *testing.T, data string) {
	t.Helper()
	testutil.RequireSend(t, p.output, []byte(data), timeout, "emitting process output")
}

// finish ends the process with status. Later calls are ignored.
func (p *fakeProcess) finish(status launcher.ExitStatus) {
	p.finishOnce.Do(func() {
		p.status = status
		close(p.output)
		close(p.waited)
	})
}

// fakeSpawner hands out fakeProcesses and counts launches.
type fakeSpawner struct {
	processes chan *fakeProcess

	mutex    sync.Mutex
	launches int
	err      error
	// gate, when non-nil, blocks Launch until closed.
	gate chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{processes: make(chan *fakeProcess, 16)}
}

func (s *fakeSpawner) Launch(ctx context.Context, request launcher.Request) (*launcher.Result, error) {
	s.mutex.Lock()
	s.launches++
	err, gate := s.err, s.gate
	s.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, &launcher.SpawnError{Username: request.Username, Err: err}
	}
	process := newFakeProcess(request)
	s.processes <- process
	return &launcher.Result{Process: process, WorkDir: "/work"}, nil
}

func (s *fakeSpawner) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.launches
}

func (s *fakeSpawner) setErr(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.err = err
}

// harness is a Server on an httptest listener with a fake clock and
// fake processes.
type harness struct {
	clock    *clock.FakeClock
	spawner  *fakeSpawner
	registry *Registry
	server   *Server
	http     *httptest.Server
}

type harnessOption func(*Config, *RegistryConfig)

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	spawner := newFakeSpawner()
	registryConfig := RegistryConfig{
		Spawner:      spawner,
		BufferChunks: 100,
		ExitGrace:    30 * time.Second,
		Clock:        fakeClock,
		Logger:       discard,
	}
	config := Config{
		Auth:              fakeAuth{},
		NodeID:            "local",
		TokenTTL:          2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MaxQueuedFrames:   1000,
		Clock:             fakeClock,
		Logger:            discard,
	}
	for _, option := range options {
		option(&config, &registryConfig)
	}

	registry, err := NewRegistry(registryConfig)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	config.Registry = registry
	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		cancel()
		shutdownContext, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		registry.Shutdown(shutdownContext)
		httpServer.Close()
	})
	return &harness{
		clock:    fakeClock,
		spawner:  spawner,
		registry: registry,
		server:   server,
		http:     httpServer,
	}
}

func (h *harness) url(query string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/terminal?" + query
}

// dialRaw opens a socket without starting a reader.
func (h *harness) dialRaw(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ws, response, err := websocket.DefaultDialer.Dial(h.url(query), nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", query, err)
	}
	response.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (h *harness) dial(t *testing.T, query string) *client {
	t.Helper()
	return newClient(h.dialRaw(t, query))
}

// request performs an HTTP call against the server as token.
func (h *harness) request(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, h.http.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

// client reads frames in the background. Reading also answers pings.
type client struct {
	ws     *websocket.Conn
	frames chan ServerFrame
	done   chan struct{}
	// closeErr is the read error that ended the reader. Valid after
	// done is closed.
	closeErr error
}

func newClient(ws *websocket.Conn) *client {
	c := &client{ws: ws, frames: make(chan ServerFrame, 1024), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				c.closeErr = err
				return
			}
			frame, err := DecodeServerFrame(message)
			if err != nil {
				c.closeErr = err
				return
			}
			c.frames <- frame
		}
	}()
	return c
}

func (c *client) next(t *testing.T) ServerFrame {
	t.Helper()
	return testutil.RequireReceive(t, c.frames, timeout, "waiting for frame")
}

func (c *client) send(t *testing.T, message string) {
	t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		t.Fatalf("sending %q: %v", message, err)
	}
}

// closeCleanly performs the close handshake and waits for the server
// to finish it.
func (c *client) closeCleanly(t *testing.T) {
	t.Helper()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(timeout)); err != nil {
		t.Fatalf("writing close: %v", err)
	}
	testutil.RequireClosed(t, c.done, timeout, "waiting for server to close")
}

// expectClose waits for the server to close the socket with code.
func (c *client) expectClose(t *testing.T, code int) {
	t.Helper()
	testutil.RequireClosed(t, c.done, timeout, "waiting for close")
	var closeError *websocket.CloseError
	if !errors.As(c.closeErr, &closeError) {
		t.Fatalf("socket ended with %v, want close code %d", c.closeErr, code)
	}
	if closeError.Code != code {
		t.Fatalf("close code = %d (%q), want %d", closeError.Code, closeError.Text, code)
	}
}

// expectFrame reads the next frame and requires it to be a T.
func expectFrame[T ServerFrame](t *testing.T, c *client) T {
	t.Helper()
	frame := c.next(t)
	typed, ok := frame.(T)
	if !ok {
		var zero T
		t.Fatalf("got %#v, want %T", frame, zero)
	}
	return typed
}

func expectData(t *testing.T, c *client, want string) {
	t.Helper()
	if got := expectFrame[DataFrame](t, c); got.Data != want {
		t.Fatalf("data = %q, want %q", got.Data, want)
	}
}

func (h *harness) nextProcess(t *testing.T) *fakeProcess {
	t.Helper()
	return testutil.RequireReceive(t, h.spawner.processes, timeout, "waiting for spawn")
}

func alice() auth.Result {
	return auth.Result{Username: "alice", Scheme: auth.SchemeTerminalToken, Scope: nodedir.ScopeTerminal}
}
