// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signedtoken

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cookie.secret")

	first, generated, err := LoadOrGenerateSecret(path)
	if err != nil {
		t.Fatalf("first LoadOrGenerateSecret: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}
	if len(first) < MinSecretSize {
		t.Errorf("generated secret has %d bytes", len(first))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("secret file mode = %o, want 0600", perm)
	}

	second, generated, err := LoadOrGenerateSecret(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerateSecret: %v", err)
	}
	if generated {
		t.Error("second call should load the existing secret")
	}
	if !bytes.Equal(first, second) {
		t.Error("reloaded secret differs from the generated one")
	}
}

func TestLoadOrGenerateSecretRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.secret")
	if err := os.WriteFile(path, []byte("tiny"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrGenerateSecret(path); err == nil {
		t.Fatal("truncated secret file was accepted")
	}
}
