// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestReadResponse(t *testing.T) {
	t.Run("normal body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte(`{"token":"x"}`)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"token":"x"}` {
			t.Fatalf("got %q", data)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader(make([]byte, MaxResponseSize+100)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if int64(len(data)) != MaxResponseSize {
			t.Fatalf("read %d bytes, want %d", len(data), MaxResponseSize)
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if _, err := ReadResponse(&failReader{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("valid JSON", func(t *testing.T) {
		var result struct {
			URL string `json:"url"`
		}
		if err := DecodeResponse(strings.NewReader(`{"url":"wss://peer/terminal"}`), &result); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.URL != "wss://peer/terminal" {
			t.Fatalf("url: got %q", result.URL)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if err := DecodeResponse(strings.NewReader(`<html>`), &struct{}{}); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if err := DecodeResponse(&failReader{}, &struct{}{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("forbidden")); got != "forbidden" {
		t.Errorf("ErrorBody = %q, want forbidden", got)
	}
	long := ErrorBody(strings.NewReader(strings.Repeat("x", 4096)))
	if len(long) != maxErrorBody+3 || !strings.HasSuffix(long, "...") {
		t.Errorf("long ErrorBody has %d bytes", len(long))
	}
	if got := ErrorBody(&failReader{}); got != "" {
		t.Errorf("ErrorBody(failReader) = %q, want empty", got)
	}
}

type failReader struct{}

func (*failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read failure")
}
