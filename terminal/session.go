// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/jlongo78/spaces-sub000/agentwatch"
	"github.com/jlongo78/spaces-sub000/launcher"
)

// errSessionGone is returned when a message reaches a session that was
// already removed from the registry.
var errSessionGone = errors.New("terminal: session removed")

const (
	mailboxSize = 256
	readSize    = 32 * 1024
)

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	PaneID         string              `json:"paneId"`
	Owner          string              `json:"owner"`
	Agent          launcher.AgentType  `json:"agentType"`
	WorkDir        string              `json:"cwd"`
	CreatedAt      time.Time           `json:"createdAt"`
	Attached       bool                `json:"attached"`
	Exited         bool                `json:"exited"`
	Exit           launcher.ExitStatus `json:"-"`
	AgentSessionID string              `json:"agentSessionId,omitempty"`
	BufferedChunks int                 `json:"bufferedChunks"`
}

// Mailbox messages. The actor goroutine is the only reader of session
// state; everything else sends one of these.
type (
	outputMessage struct{ data string }
	exitMessage   struct{ status launcher.ExitStatus }
	attachMessage struct {
		conn       *Conn
		reattached bool
		done       chan struct{}
	}
	detachMessage   struct{ conn *Conn }
	detectedMessage struct{ detection agentwatch.Detection }
	infoMessage     struct{ reply chan SessionInfo }
)

// session is one pane: a process, its output buffer, and at most one
// attached socket.
type session struct {
	paneID    string
	owner     string
	agent     launcher.AgentType
	workDir   string
	createdAt time.Time
	process   launcher.Process
	logger    *slog.Logger

	// onExit is called on the actor goroutine when the process exits.
	onExit func(*session)

	mailbox chan any
	// stopped is closed by stop; the actor exits and senders give up.
	stopped chan struct{}
	// exited is closed after the exit message is processed.
	exited chan struct{}

	// Actor-owned state.
	buffer         *OutputBuffer
	conn           *Conn
	exit           *launcher.ExitStatus
	watch          *agentwatch.Watch
	agentSessionID string
}

func newSession(paneID, owner string, result *launcher.Result, request launcher.Request, bufferChunks int, createdAt time.Time, logger *slog.Logger) *session {
	return &session{
		paneID:    paneID,
		owner:     owner,
		agent:     request.Agent,
		workDir:   result.WorkDir,
		createdAt: createdAt,
		process:   result.Process,
		logger:    logger,
		mailbox:   make(chan any, mailboxSize),
		stopped:   make(chan struct{}),
		exited:    make(chan struct{}),
		buffer:    NewOutputBuffer(bufferChunks),
	}
}

// start launches the actor and the process pump. watch, if non-nil,
// is cancelled when the process exits.
func (s *session) start(watch *agentwatch.Watch) {
	s.watch = watch
	go s.run()
	go s.pump()
}

// deliver sends message to the actor. It returns false if the session
// was stopped.
func (s *session) deliver(message any) bool {
	select {
	case s.mailbox <- message:
		return true
	case <-s.stopped:
		return false
	}
}

// attach makes conn the session's socket and replays the buffer to it.
// It returns once the replay is queued on conn.
func (s *session) attach(conn *Conn, reattached bool) error {
	done := make(chan struct{})
	if !s.deliver(attachMessage{conn: conn, reattached: reattached, done: done}) {
		return errSessionGone
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return errSessionGone
	}
}

// detach clears conn if it is still the session's socket.
func (s *session) detach(conn *Conn) {
	s.deliver(detachMessage{conn: conn})
}

func (s *session) detected(detection agentwatch.Detection) {
	s.deliver(detectedMessage{detection: detection})
}

// info returns a snapshot of the session, or false if it was stopped.
func (s *session) info() (SessionInfo, bool) {
	reply := make(chan SessionInfo, 1)
	if !s.deliver(infoMessage{reply: reply}) {
		return SessionInfo{}, false
	}
	select {
	case info := <-reply:
		return info, true
	case <-s.stopped:
		return SessionInfo{}, false
	}
}

// write sends client input to the process.
func (s *session) write(data []byte) {
	if _, err := s.process.Write(data); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("writing to process", "error", err)
	}
}

func (s *session) resize(cols, rows uint16) {
	if err := s.process.Resize(cols, rows); err != nil {
		s.logger.Debug("resizing process", "cols", cols, "rows", rows, "error", err)
	}
}

// kill terminates the process. The session is removed after its exit
// grace like any other exit.
func (s *session) kill() error {
	return s.process.Kill()
}

// stop ends the actor and closes the attached socket. Called once by
// the registry when the session is removed.
func (s *session) stop() {
	close(s.stopped)
}

func (s *session) run() {
	for {
		select {
		case <-s.stopped:
			if s.conn != nil {
				s.conn.Close(websocket.CloseNormalClosure, "session ended")
				s.conn = nil
			}
			if s.watch != nil {
				s.watch.Cancel()
			}
			return
		case message := <-s.mailbox:
			s.handle(message)
		}
	}
}

func (s *session) handle(message any) {
	switch message := message.(type) {
	case outputMessage:
		if s.buffer.Append(message.data) {
			s.logger.Debug("output buffer full, oldest chunk evicted")
		}
		s.forward(DataFrame{Data: message.data})

	case exitMessage:
		status := message.status
		s.exit = &status
		if s.watch != nil {
			s.watch.Cancel()
		}
		s.logger.Info("terminal process exited", "exit_code", status.Code, "reason", status.Reason)
		s.forward(ExitFrame{ExitCode: status.Code, Reason: status.Reason})
		close(s.exited)
		if s.onExit != nil {
			s.onExit(s)
		}

	case attachMessage:
		if s.conn != nil && s.conn != message.conn {
			s.logger.Info("socket displaced by a newer connection", "old_conn", s.conn.id, "new_conn", message.conn.id)
			s.conn.Send(ErrorFrame{Message: "connection replaced by a newer client"})
			s.conn.Close(CloseDisplaced, "displaced")
		}
		s.conn = message.conn
		s.replay(message.reattached)
		close(message.done)

	case detachMessage:
		if s.conn == message.conn {
			s.conn = nil
		}

	case detectedMessage:
		s.agentSessionID = message.detection.SessionID
		s.logger.Info("agent session detected", "session_id", s.agentSessionID)
		s.forward(SessionDetectedFrame{SessionID: s.agentSessionID, PaneID: s.paneID})

	case infoMessage:
		info := SessionInfo{
			PaneID:         s.paneID,
			Owner:          s.owner,
			Agent:          s.agent,
			WorkDir:        s.workDir,
			CreatedAt:      s.createdAt,
			Attached:       s.conn != nil,
			Exited:         s.exit != nil,
			AgentSessionID: s.agentSessionID,
			BufferedChunks: s.buffer.Len(),
		}
		if s.exit != nil {
			info.Exit = *s.exit
		}
		message.reply <- info
	}
}

// replayFrames counts the frames replay queues besides buffered
// chunks: ready, session-detected and exit.
const replayFrames = 3

// replay queues ready, the buffered output, and a pending exit onto
// the newly attached socket. Live output is queued after it by the
// same goroutine, so the client sees history first.
func (s *session) replay(reattached bool) {
	if !s.conn.Send(ReadyFrame{PaneID: s.paneID, Reattached: reattached}) {
		s.conn = nil
		return
	}
	for _, chunk := range s.buffer.Chunks() {
		if !s.conn.Send(DataFrame{Data: chunk}) {
			s.conn = nil
			return
		}
	}
	if s.agentSessionID != "" {
		s.forward(SessionDetectedFrame{SessionID: s.agentSessionID, PaneID: s.paneID})
	}
	if s.exit != nil {
		s.forward(ExitFrame{ExitCode: s.exit.Code, Reason: s.exit.Reason})
	}
}

// forward sends frame to the attached socket, if any. A socket that
// cannot take it has already been torn down; forget it.
func (s *session) forward(frame ServerFrame) {
	if s.conn == nil {
		return
	}
	if !s.conn.Send(frame) {
		s.conn = nil
	}
}

// pump reads process output into the mailbox, then waits for exit.
// Output and exit share the mailbox, so exit is always processed after
// the last chunk.
func (s *session) pump() {
	buffer := make([]byte, readSize)
	var carry []byte
	for {
		n, err := s.process.Read(buffer)
		if n > 0 {
			data := append(carry, buffer[:n]...)
			cut := len(data) - incompleteRuneSuffix(data)
			if cut > 0 && !s.deliver(outputMessage{data: string(data[:cut])}) {
				return
			}
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("process output ended", "error", err)
			}
			break
		}
	}
	if len(carry) > 0 {
		s.deliver(outputMessage{data: string(carry)})
	}
	status := s.process.Wait()
	if err := s.process.Close(); err != nil {
		s.logger.Debug("closing process", "error", err)
	}
	s.deliver(exitMessage{status: status})
}

// incompleteRuneSuffix returns the length of a truncated UTF-8
// sequence at the end of data, so a character split across reads is
// sent whole.
func incompleteRuneSuffix(data []byte) int {
	for back := 1; back <= utf8.UTFMax-1 && back <= len(data); back++ {
		b := data[len(data)-back]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[len(data)-back:]) {
				return 0
			}
			return back
		}
	}
	return 0
}
