// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// AgentType selects what runs in the pane.
type AgentType string

const (
	AgentShell  AgentType = "shell"
	AgentClaude AgentType = "claude"
	AgentCodex  AgentType = "codex"
	AgentGemini AgentType = "gemini"
)

// ParseAgentType maps a connection parameter to an AgentType. Empty
// means shell.
func ParseAgentType(s string) (AgentType, error) {
	switch agent := AgentType(strings.ToLower(strings.TrimSpace(s))); agent {
	case "":
		return AgentShell, nil
	case AgentShell, AgentClaude, AgentCodex, AgentGemini:
		return agent, nil
	default:
		return "", fmt.Errorf("unknown agent type %q", s)
	}
}

// ResumeNew requests a fresh agent session.
const ResumeNew = "new"

// Invocation returns the command line that starts the agent, resuming
// sessionID when it is non-empty and not ResumeNew. Shell has no
// invocation.
func (a AgentType) Invocation(sessionID string) (string, error) {
	resume := sessionID != "" && sessionID != ResumeNew
	if resume {
		if err := ValidateResumeID(sessionID); err != nil {
			return "", err
		}
	}
	switch a {
	case AgentShell:
		return "", nil
	case AgentClaude:
		if resume {
			return "claude --resume " + sessionID, nil
		}
		return "claude", nil
	case AgentCodex:
		if resume {
			return "codex resume " + sessionID, nil
		}
		return "codex", nil
	case AgentGemini:
		if resume {
			return "gemini --resume " + sessionID, nil
		}
		return "gemini", nil
	}
	return "", fmt.Errorf("unknown agent type %q", a)
}

// Request describes the process a pane needs.
type Request struct {
	// PaneID is exported to the process as SPACES_PANE_ID.
	PaneID string

	// Username is the authenticated spaces user.
	Username string

	// WorkDir is the requested working directory. Empty or invalid
	// falls back to the user's home.
	WorkDir string

	Agent AgentType

	// Resume is ResumeNew, empty, or an agent session id.
	Resume string

	// Command is typed into a shell pane after start. Rejected if it
	// contains shell metacharacters.
	Command string

	Cols, Rows uint16
}

// ErrUnsafeInput is wrapped when a command or resume id contains a
// rejected character.
var ErrUnsafeInput = errors.New("launcher: input contains shell metacharacters")

// rejectedCharacters are never allowed in text typed into a shell.
const rejectedCharacters = ";&|$`<>(){}[]\\!*?~'\"\n\r\x00"

// ValidateCommand rejects commands containing any shell metacharacter.
func ValidateCommand(command string) error {
	if index := strings.IndexAny(command, rejectedCharacters); index >= 0 {
		return fmt.Errorf("%w: %q at offset %d", ErrUnsafeInput, command[index], index)
	}
	if strings.TrimSpace(command) == "" {
		return errors.New("launcher: empty command")
	}
	return nil
}

var resumeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateResumeID accepts agent session ids: letters, digits, dot,
// underscore and hyphen, starting alphanumeric.
func ValidateResumeID(id string) error {
	if err := ValidateCommand(id); err != nil {
		return err
	}
	if !resumeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid resume id %q", ErrUnsafeInput, id)
	}
	return nil
}
