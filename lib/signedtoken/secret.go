// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signedtoken

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const generatedSecretSize = 32

// LoadOrGenerateSecret reads the secret stored at path. If the file
// does not exist, a random secret is generated and written with 0600
// permissions (creating parent directories with 0700). Returns the
// secret and whether it was newly generated.
//
// A file that exists but cannot be read, or is too short, is an error:
// silently replacing it would invalidate every outstanding credential.
func LoadOrGenerateSecret(path string) ([]byte, bool, error) {
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) < MinSecretSize {
			return nil, false, fmt.Errorf("secret file %s has %d bytes, want at least %d", path, len(secret), MinSecretSize)
		}
		return secret, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("reading secret file: %w", err)
	}

	secret = make([]byte, generatedSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, false, fmt.Errorf("generating secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("creating secret directory: %w", err)
	}
	// O_EXCL: if another process won the race, use its secret.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, fs.ErrExist) {
		return LoadOrGenerateSecret(path)
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating secret file: %w", err)
	}
	if _, err := file.Write(secret); err != nil {
		file.Close()
		os.Remove(path)
		return nil, false, fmt.Errorf("writing secret file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, false, fmt.Errorf("closing secret file: %w", err)
	}
	return secret, true, nil
}
