// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

// OutputBuffer holds the most recent output chunks of a session for
// replay on reattach. Once full, each Append evicts the oldest chunk;
// evicted output is gone. Not safe for concurrent use: the session
// actor owns it.
type OutputBuffer struct {
	chunks []string
	// start is the index of the oldest chunk.
	start int
	count int
}

// NewOutputBuffer returns a buffer holding at most capacity chunks.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{chunks: make([]string, capacity)}
}

// Append adds a chunk, evicting the oldest one when full. It reports
// whether a chunk was evicted.
func (b *OutputBuffer) Append(chunk string) bool {
	capacity := len(b.chunks)
	if b.count < capacity {
		b.chunks[(b.start+b.count)%capacity] = chunk
		b.count++
		return false
	}
	b.chunks[b.start] = chunk
	b.start = (b.start + 1) % capacity
	return true
}

// Chunks returns the buffered chunks, oldest first.
func (b *OutputBuffer) Chunks() []string {
	result := make([]string, b.count)
	for i := range b.count {
		result[i] = b.chunks[(b.start+i)%len(b.chunks)]
	}
	return result
}

// Len returns the number of buffered chunks.
func (b *OutputBuffer) Len() int { return b.count }

// Cap returns the buffer capacity.
func (b *OutputBuffer) Cap() int { return len(b.chunks) }
