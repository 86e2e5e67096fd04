// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentwatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTranscriptNotFound is returned when no transcript exists for a
// session id.
var ErrTranscriptNotFound = errors.New("agentwatch: transcript not found")

// maxHeaderRecords is how many leading transcript records are searched
// for a cwd field.
const maxHeaderRecords = 20

// maxRecordSize bounds a single transcript line. Records embedding
// tool output can be large.
const maxRecordSize = 16 << 20

// ProjectsDir returns Claude's transcript root under home.
func ProjectsDir(home string) string {
	return filepath.Join(home, ".claude", "projects")
}

// EncodeProjectPath returns the directory name Claude uses for
// workDir: every character outside [A-Za-z0-9] becomes '-'.
func EncodeProjectPath(workDir string) string {
	var builder strings.Builder
	builder.Grow(len(workDir))
	for _, r := range workDir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		default:
			builder.WriteByte('-')
		}
	}
	return builder.String()
}

// TranscriptDir returns the directory holding transcripts of agents
// started in workDir.
func TranscriptDir(home, workDir string) string {
	return filepath.Join(ProjectsDir(home), EncodeProjectPath(workDir))
}

// ResolveWorkingDirectory returns the directory session sessionID was
// started in. It reads up to the first 20 records of the transcript
// for a cwd field, and otherwise decodes the name of the directory
// containing the transcript. The decoding is lossy: hyphens in the
// original path come back as separators.
func ResolveWorkingDirectory(projectsRoot, sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("agentwatch: invalid session id %q: %w", sessionID, err)
	}
	matches, err := filepath.Glob(filepath.Join(projectsRoot, "*", sessionID+".jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrTranscriptNotFound, sessionID)
	}
	transcript := matches[0]

	if cwd, err := readRecordedCwd(transcript); err == nil && cwd != "" {
		return cwd, nil
	}
	return decodeProjectDir(filepath.Base(filepath.Dir(transcript))), nil
}

func readRecordedCwd(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordSize)
	for records := 0; records < maxHeaderRecords && scanner.Scan(); records++ {
		var record struct {
			Cwd string `json:"cwd"`
		}
		if json.Unmarshal(scanner.Bytes(), &record) != nil {
			continue
		}
		if record.Cwd != "" {
			return record.Cwd, nil
		}
	}
	return "", scanner.Err()
}

func decodeProjectDir(name string) string {
	decoded := strings.ReplaceAll(name, "-", string(filepath.Separator))
	if !strings.HasPrefix(decoded, string(filepath.Separator)) {
		decoded = string(filepath.Separator) + decoded
	}
	return decoded
}
