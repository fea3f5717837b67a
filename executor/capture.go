// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"sync"
)

// cappedBuffer captures an output stream up to a byte limit. Bytes
// past the limit are counted as truncation and discarded rather than
// buffered: a command printing gigabytes must not cost gigabytes of
// memory.
//
// Write never returns an error: reporting one would make the child
// see a broken pipe and change its behavior, when the contract is
// "run normally, capture what fits".
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
