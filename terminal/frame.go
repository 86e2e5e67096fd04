// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type names on the wire.
const (
	frameReady           = "ready"
	frameData            = "data"
	frameResize          = "resize"
	frameExit            = "exit"
	frameError           = "error"
	frameSessionDetected = "session-detected"
)

var (
	// ErrUnknownFrame is returned for a JSON frame whose type is not
	// one the receiver understands.
	ErrUnknownFrame = errors.New("terminal: unknown frame type")

	// ErrInvalidFrame is returned for a typed frame with missing or
	// out-of-range fields.
	ErrInvalidFrame = errors.New("terminal: invalid frame")
)

// ServerFrame is a frame sent from the server to the client. The set
// of implementations is closed: ReadyFrame, DataFrame, ExitFrame,
// ErrorFrame and SessionDetectedFrame.
type ServerFrame interface {
	serverFrame()
}

// ReadyFrame is the first frame on every attached socket.
type ReadyFrame struct {
	PaneID     string
	Reattached bool
}

// DataFrame carries terminal output.
type DataFrame struct {
	Data string
}

// ExitFrame reports process termination.
type ExitFrame struct {
	ExitCode int
	Reason   string
}

// ErrorFrame carries a human-readable failure. It is usually followed
// by a close.
type ErrorFrame struct {
	Message string
}

// SessionDetectedFrame reports the native session id of the agent
// running in the pane.
type SessionDetectedFrame struct {
	SessionID string
	PaneID    string
}

func (ReadyFrame) serverFrame()           {}
func (DataFrame) serverFrame()            {}
func (ExitFrame) serverFrame()            {}
func (ErrorFrame) serverFrame()           {}
func (SessionDetectedFrame) serverFrame() {}

// wireFrame is the JSON shape shared by all frames. Pointer fields
// distinguish absent from zero.
type wireFrame struct {
	Type       string  `json:"type"`
	PaneID     string  `json:"paneId,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	Reattached *bool   `json:"reattached,omitempty"`
	Data       *string `json:"data,omitempty"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Cols       *int    `json:"cols,omitempty"`
	Rows       *int    `json:"rows,omitempty"`
}

// EncodeFrame returns the JSON encoding of frame.
func EncodeFrame(frame ServerFrame) ([]byte, error) {
	var wire wireFrame
	switch frame := frame.(type) {
	case ReadyFrame:
		wire = wireFrame{Type: frameReady, PaneID: frame.PaneID, Reattached: &frame.Reattached}
	case DataFrame:
		wire = wireFrame{Type: frameData, Data: &frame.Data}
	case ExitFrame:
		wire = wireFrame{Type: frameExit, ExitCode: &frame.ExitCode, Reason: frame.Reason}
	case ErrorFrame:
		wire = wireFrame{Type: frameError, Data: &frame.Message}
	case SessionDetectedFrame:
		wire = wireFrame{Type: frameSessionDetected, SessionID: frame.SessionID, PaneID: frame.PaneID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, frame)
	}
	return json.Marshal(wire)
}

// DecodeServerFrame parses a frame produced by EncodeFrame. Clients
// and tests use it; the server never reads its own frames.
func DecodeServerFrame(message []byte) (ServerFrame, error) {
	var wire wireFrame
	if err := json.Unmarshal(message, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch wire.Type {
	case frameReady:
		return ReadyFrame{PaneID: wire.PaneID, Reattached: wire.Reattached != nil && *wire.Reattached}, nil
	case frameData:
		if wire.Data == nil {
			return nil, fmt.Errorf("%w: data frame without data", ErrInvalidFrame)
		}
		return DataFrame{Data: *wire.Data}, nil
	case frameExit:
		if wire.ExitCode == nil {
			return nil, fmt.Errorf("%w: exit frame without exitCode", ErrInvalidFrame)
		}
		return ExitFrame{ExitCode: *wire.ExitCode, Reason: wire.Reason}, nil
	case frameError:
		var message string
		if wire.Data != nil {
			message = *wire.Data
		}
		return ErrorFrame{Message: message}, nil
	case frameSessionDetected:
		return SessionDetectedFrame{SessionID: wire.SessionID, PaneID: wire.PaneID}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, wire.Type)
}

// ClientFrame is a frame received from the client. The set of
// implementations is closed: InputFrame, ResizeFrame and RawInput.
type ClientFrame interface {
	clientFrame()
}

// InputFrame is keyboard input written verbatim to the process.
type InputFrame struct {
	Data string
}

// ResizeFrame changes the terminal dimensions.
type ResizeFrame struct {
	Cols uint16
	Rows uint16
}

// RawInput is a message that is not a typed frame. It is written to
// the process unchanged.
type RawInput struct {
	Bytes []byte
}

func (InputFrame) clientFrame()  {}
func (ResizeFrame) clientFrame() {}
func (RawInput) clientFrame()    {}

// ParseClientFrame classifies a client message. Anything that is not a
// JSON object with a string "type" field is RawInput. A typed frame
// with an unknown type returns ErrUnknownFrame; a resize with
// out-of-range dimensions returns ErrInvalidFrame.
func ParseClientFrame(message []byte) (ClientFrame, error) {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return RawInput{Bytes: message}, nil
	}
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil || probe.Type == nil {
		return RawInput{Bytes: message}, nil
	}

	switch *probe.Type {
	case frameData:
		var frame struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return InputFrame{Data: frame.Data}, nil
	case frameResize:
		var frame struct {
			Cols float64 `json:"cols"`
			Rows float64 `json:"rows"`
		}
		if err := json.Unmarshal(trimmed, &frame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		cols, colsOK := dimension(frame.Cols)
		rows, rowsOK := dimension(frame.Rows)
		if !colsOK || !rowsOK {
			return nil, fmt.Errorf("%w: resize to %vx%v", ErrInvalidFrame, frame.Cols, frame.Rows)
		}
		return ResizeFrame{Cols: cols, Rows: rows}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, *probe.Type)
}

// dimension converts a JSON number to a terminal dimension.
func dimension(value float64) (uint16, bool) {
	if value < 1 || value > 65535 || value != float64(int(value)) {
		return 0, false
	}
	return uint16(value), true
}
