// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/lib/config"
	"github.com/jlongo78/spaces-sub000/lib/sealed"
	"github.com/jlongo78/spaces-sub000/nodedir"
)

type harness struct {
	t          *testing.T
	dir        string
	configPath string
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	stdin      *os.File
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "spaces.yaml")
	content := "paths:\n  state: " + filepath.Join(dir, "state") + "\n  database: " + filepath.Join(dir, "spaces.db") + "\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, dir: dir, configPath: configPath}
}

// run executes the CLI with --config appended to args.
func (h *harness) run(args ...string) error {
	h.t.Helper()
	h.stdout.Reset()
	h.stderr.Reset()
	a := &app{
		stdout: &h.stdout,
		stderr: &h.stderr,
		stdin:  h.stdin,
		logger: slog.New(slog.DiscardHandler),
	}
	if len(args) > 1 {
		args = append(args, "--config", h.configPath)
	}
	return a.root().execute(context.Background(), args, &h.stderr)
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	if err := h.run(args...); err != nil {
		h.t.Fatalf("spaces-node %s: %v\nstderr: %s", strings.Join(args, " "), err, h.stderr.String())
	}
	return h.stdout.String()
}

func (h *harness) directory() *nodedir.Directory {
	h.t.Helper()
	directory, err := nodedir.Open(nodedir.Config{
		Path:   filepath.Join(h.dir, "spaces.db"),
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { directory.Close() })
	return directory
}

func (h *harness) identity() *sealed.Identity {
	h.t.Helper()
	cfg, err := config.LoadFile(h.configPath)
	if err != nil {
		h.t.Fatal(err)
	}
	identity, generated, err := sealed.LoadOrGenerateIdentity(cfg.IdentityPath())
	if err != nil || generated {
		h.t.Fatalf("identity: generated=%v err=%v", generated, err)
	}
	return identity
}

func TestAddPeerEncryptsKeyToNodeIdentity(t *testing.T) {
	h := newHarness(t)
	keyFile := filepath.Join(h.dir, "east.key")
	if err := os.WriteFile(keyFile, []byte("spk_issued-by-east\n"), 0600); err != nil {
		t.Fatal(err)
	}

	h.mustRun("add-peer", "--id", "east", "--url", "https://east.example:3457/", "--api-key-file", keyFile)

	node, err := h.directory().Node(context.Background(), "east")
	if err != nil {
		t.Fatal(err)
	}
	if node.URL != "https://east.example:3457" || !node.HasPermission(nodedir.PermissionTerminal) {
		t.Errorf("node = %+v", node)
	}
	if strings.Contains(node.EncryptedAPIKey, "spk_") {
		t.Fatal("api key stored in plaintext")
	}
	plaintext, err := sealed.Decrypt(node.EncryptedAPIKey, h.identity())
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "spk_issued-by-east" {
		t.Errorf("decrypted key = %q", plaintext)
	}

	if out := h.mustRun("list-peers", "--config", h.configPath); !strings.Contains(out, "east") || !strings.Contains(out, "terminal") {
		t.Errorf("list-peers output:\n%s", out)
	}

	h.mustRun("remove-peer", "east")
	if _, err := h.directory().Node(context.Background(), "east"); !errors.Is(err, nodedir.ErrNotFound) {
		t.Errorf("node after remove-peer: %v", err)
	}
}

func TestAddPeerReadsKeyFromStdin(t *testing.T) {
	h := newHarness(t)
	stdinPath := filepath.Join(h.dir, "stdin")
	if err := os.WriteFile(stdinPath, []byte("spk_from-stdin\r\n"), 0600); err != nil {
		t.Fatal(err)
	}
	stdin, err := os.Open(stdinPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stdin.Close() })
	h.stdin = stdin

	h.mustRun("add-peer", "--id", "west", "--url", "http://west", "--permission", "read", "--api-key-file", "-")

	node, err := h.directory().Node(context.Background(), "west")
	if err != nil {
		t.Fatal(err)
	}
	if node.HasPermission(nodedir.PermissionTerminal) {
		t.Errorf("permissions = %v, want only read", node.Permissions)
	}
	plaintext, err := sealed.Decrypt(node.EncryptedAPIKey, h.identity())
	if err != nil || string(plaintext) != "spk_from-stdin" {
		t.Errorf("decrypted = %q, %v", plaintext, err)
	}
}

func TestAddPeerValidation(t *testing.T) {
	h := newHarness(t)
	keyFile := filepath.Join(h.dir, "key")
	os.WriteFile(keyFile, []byte("not-a-spaces-key"), 0600)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing id", []string{"add-peer", "--url", "https://east"}, "--id and --url"},
		{"bad scheme", []string{"add-peer", "--id", "east", "--url", "ftp://east"}, "scheme"},
		{"no host", []string{"add-peer", "--id", "east", "--url", "https://"}, "host"},
		{"bad key", []string{"add-peer", "--id", "east", "--url", "https://east", "--api-key-file", keyFile}, "spk_"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := h.run(test.args...)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("err = %v, want mention of %q", err, test.want)
			}
		})
	}
}

func TestIssueListRevokeKey(t *testing.T) {
	h := newHarness(t)

	key := strings.TrimSpace(h.mustRun("issue-key", "--username", "alice", "--scope", "admin", "--expires", "24h"))
	if !strings.HasPrefix(key, auth.APIKeyPrefix) {
		t.Fatalf("issued key = %q", key)
	}

	keys, err := h.directory().APIKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("stored keys = %d, want 1", len(keys))
	}
	stored := keys[0]
	if stored.KeyHash != auth.HashAPIKey(key) || stored.Username != "alice" || stored.Scope != nodedir.ScopeAdmin || stored.ExpiresAt.IsZero() {
		t.Errorf("stored key = %+v", stored)
	}

	out := h.mustRun("list-keys", "--config", h.configPath)
	if !strings.Contains(out, stored.ID) || strings.Contains(out, key) {
		t.Errorf("list-keys output:\n%s", out)
	}

	h.mustRun("revoke-key", stored.ID)
	if keys, _ := h.directory().APIKeys(context.Background()); len(keys) != 0 {
		t.Errorf("keys after revoke = %d", len(keys))
	}
	if err := h.run("revoke-key", stored.ID); !errors.Is(err, nodedir.ErrNotFound) {
		t.Errorf("second revoke: %v, want ErrNotFound", err)
	}

	if err := h.run("issue-key", "--username", "bob", "--scope", "root"); err == nil {
		t.Error("unknown scope accepted")
	}
}

func TestMapUser(t *testing.T) {
	h := newHarness(t)

	h.mustRun("map-user", "alice", "svc-alice", "--skip-lookup")
	osUser, ok, err := h.directory().ShellUser(context.Background(), "alice")
	if err != nil || !ok || osUser != "svc-alice" {
		t.Errorf("ShellUser = %q, %v, %v", osUser, ok, err)
	}

	if err := h.run("map-user", "bob", "no-such-account-for-spaces-tests"); err == nil {
		t.Error("mapping to a missing OS account succeeded without --skip-lookup")
	}

	current, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	h.mustRun("map-user", "carol", current.Username)
}

func TestRecipientIsStable(t *testing.T) {
	h := newHarness(t)
	first := strings.TrimSpace(h.mustRun("recipient", "--config", h.configPath))
	if !strings.HasPrefix(first, "age1") {
		t.Fatalf("recipient = %q", first)
	}
	if !strings.Contains(h.stderr.String(), "generated") {
		t.Error("first call did not report generating the identity")
	}
	second := strings.TrimSpace(h.mustRun("recipient", "--config", h.configPath))
	if first != second {
		t.Errorf("recipient changed: %s then %s", first, second)
	}
	if err := sealed.ParseRecipient(first); err != nil {
		t.Errorf("ParseRecipient: %v", err)
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	if err := h.run("frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command: %v", err)
	}
	if err := h.run(); err == nil {
		t.Error("no subcommand accepted")
	}
	if err := h.run("--help"); err != nil {
		t.Errorf("--help: %v", err)
	}
	if !strings.Contains(h.stderr.String(), "issue-key") {
		t.Errorf("help lacks commands:\n%s", h.stderr.String())
	}
}
