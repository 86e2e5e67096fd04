// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentwatch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeProjectPath(t *testing.T) {
	tests := map[string]string{
		"/home/alice/src/spaces":   "-home-alice-src-spaces",
		"/home/alice/my.project_2": "-home-alice-my-project-2",
		"/tmp":                     "-tmp",
	}
	for input, want := range tests {
		if got := EncodeProjectPath(input); got != want {
			t.Errorf("EncodeProjectPath(%q) = %q, want %q", input, got, want)
		}
	}
	if got := TranscriptDir("/home/alice", "/srv/app"); got != filepath.Join("/home/alice", ".claude", "projects", "-srv-app") {
		t.Errorf("TranscriptDir = %q", got)
	}
}

func TestResolveWorkingDirectoryFromRecord(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sessionID := uuid.NewString()
	dir := filepath.Join(root, "-home-alice-my-app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	lines := []string{
		`{"type":"summary","summary":"setup"}`,
		`not json at all`,
		`{"type":"user","cwd":"/home/alice/my-app","sessionId":"` + sessionID + `"}`,
	}
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveWorkingDirectory(root, sessionID)
	if err != nil {
		t.Fatalf("ResolveWorkingDirectory: %v", err)
	}
	if got != "/home/alice/my-app" {
		t.Errorf("got %q, want the recorded cwd", got)
	}
}

func TestResolveWorkingDirectoryFallsBackToDirectoryName(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sessionID := uuid.NewString()
	dir := filepath.Join(root, "-srv-app")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	var records []string
	for i := 0; i < maxHeaderRecords+5; i++ {
		records = append(records, `{"type":"progress"}`)
	}
	// Beyond the header window; must not be consulted.
	records = append(records, `{"cwd":"/late/record"}`)
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(strings.Join(records, "\n")), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveWorkingDirectory(root, sessionID)
	if err != nil {
		t.Fatalf("ResolveWorkingDirectory: %v", err)
	}
	if got != filepath.FromSlash("/srv/app") {
		t.Errorf("got %q, want /srv/app", got)
	}
}

func TestResolveWorkingDirectoryErrors(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if _, err := ResolveWorkingDirectory(root, uuid.NewString()); !errors.Is(err, ErrTranscriptNotFound) {
		t.Errorf("missing transcript: got %v, want ErrTranscriptNotFound", err)
	}
	if _, err := ResolveWorkingDirectory(root, "../../etc/passwd"); err == nil {
		t.Error("path-like session id accepted")
	}
}
