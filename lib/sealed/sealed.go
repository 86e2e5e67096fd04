// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// ErrDecrypt is wrapped by every Decrypt failure.
var ErrDecrypt = errors.New("sealed: decryption failed")

// maxPlaintextSize bounds Decrypt output. Sealed values are API keys.
const maxPlaintextSize = 64 << 10

// Identity is a node's age x25519 private key.
type Identity struct {
	identity *age.X25519Identity
}

// GenerateIdentity returns a fresh identity.
func GenerateIdentity() (*Identity, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return &Identity{identity: identity}, nil
}

// ParseIdentity parses an AGE-SECRET-KEY-1... string.
func ParseIdentity(text string) (*Identity, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("invalid age identity: %w", err)
	}
	return &Identity{identity: identity}, nil
}

// Recipient returns the public key in age1... form. Safe to publish.
func (i *Identity) Recipient() string {
	return i.identity.Recipient().String()
}

// LoadOrGenerateIdentity reads the identity file at path, creating it
// with 0600 permissions if it does not exist. Returns whether a new
// identity was generated.
func LoadOrGenerateIdentity(path string) (*Identity, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := parseIdentityFile(data)
		if err != nil {
			return nil, false, fmt.Errorf("identity file %s: %w", path, err)
		}
		return identity, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("reading identity file: %w", err)
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("creating identity directory: %w", err)
	}
	contents := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity.identity.String())
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		return nil, false, fmt.Errorf("writing identity file: %w", err)
	}
	return identity, true, nil
}

// parseIdentityFile accepts the age-keygen layout: comment lines
// starting with '#' followed by one secret key line.
func parseIdentityFile(data []byte) (*Identity, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseIdentity(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no identity found")
}

// ParseRecipient validates an age1... public key.
func ParseRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}

// Encrypt encrypts plaintext to the given age1... recipients and
// returns the ciphertext base64-encoded.
func Encrypt(plaintext []byte, recipientKeys ...string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", errors.New("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt reverses Encrypt. The whole stream is read and authenticated
// before anything is returned.
func Decrypt(ciphertext string, identity *Identity) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", ErrDecrypt, err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxPlaintextSize+1))
	if err != nil {
		clear(plaintext)
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(plaintext) > maxPlaintextSize {
		clear(plaintext)
		return nil, fmt.Errorf("%w: plaintext exceeds %d bytes", ErrDecrypt, maxPlaintextSize)
	}
	return plaintext, nil
}
