// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MinSecretSize is the shortest secret NewSigner accepts.
const MinSecretSize = 32

var (
	ErrMalformed        = errors.New("signedtoken: malformed token")
	ErrInvalidSignature = errors.New("signedtoken: invalid signature")
)

var encoding = base64.RawURLEncoding

// Signer signs and verifies envelopes with a single secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer for secret. The secret is copied.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("signedtoken: secret has %d bytes, want at least %d", len(secret), MinSecretSize)
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign returns the envelope for payload.
func (s *Signer) Sign(payload []byte) string {
	return encoding.EncodeToString(payload) + "." + encoding.EncodeToString(s.mac(payload))
}

// Open verifies token and returns its payload. The signature is
// compared in constant time.
func (s *Signer) Open(token string) ([]byte, error) {
	encodedPayload, encodedSignature, found := strings.Cut(token, ".")
	if !found || encodedPayload == "" || encodedSignature == "" {
		return nil, ErrMalformed
	}
	payload, err := encoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	signature, err := encoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if !hmac.Equal(signature, s.mac(payload)) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

func (s *Signer) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}
