// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// APIKeyPrefix marks network API keys.
const APIKeyPrefix = "spk_"

// GenerateAPIKey returns a new random key: the prefix followed by 32
// random bytes, base64url-encoded.
func GenerateAPIKey() (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(random), nil
}

// HashAPIKey returns the hex blake3 digest stored for key.
func HashAPIKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
