// Package uplink implements the uplink ingest core: frame reassembly,
// completion detection, decode and forwarding to the software bus.
package uplink

import (
	"fmt"
	"time"

	"firestige.xyz/cilab/internal/core"
)

// DefaultReassemblyCapacity matches the receive buffer of the flight software.
const DefaultReassemblyCapacity = 5000

// ReassemblyBuffer accumulates frame payloads until a message is complete.
//
// The write offset is the only source of truth for how much content the
// buffer holds. Zero is a legitimate payload byte, so the content length is
// never re-derived from the storage itself.
type ReassemblyBuffer struct {
	storage    []byte
	offset     int
	lastAppend time.Time
	clock      Clock
}

// NewReassemblyBuffer creates a buffer with a fixed capacity.
func NewReassemblyBuffer(capacity int, clock Clock) *ReassemblyBuffer {
	if capacity <= 0 {
		capacity = DefaultReassemblyCapacity
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ReassemblyBuffer{
		storage: make([]byte, capacity),
		clock:   clock,
	}
}

// Append copies n bytes of payload at the current write offset.
// Returns ErrCapacityExceeded, leaving the buffer untouched, when the
// frame does not fit in the remaining capacity.
func (b *ReassemblyBuffer) Append(payload []byte, n int) error {
	if n < 0 || n > len(payload) {
		return fmt.Errorf("frame length %d invalid for %d byte payload: %w", n, len(payload), core.ErrCapacityExceeded)
	}
	if b.offset+n > len(b.storage) {
		return fmt.Errorf("append %d bytes at offset %d exceeds capacity %d: %w",
			n, b.offset, len(b.storage), core.ErrCapacityExceeded)
	}
	copy(b.storage[b.offset:], payload[:n])
	b.offset += n
	b.lastAppend = b.clock.Now()
	return nil
}

// Reset zero-fills the storage and rewinds the write offset.
func (b *ReassemblyBuffer) Reset() {
	clear(b.storage)
	b.offset = 0
}

// IdleSeconds returns the whole seconds elapsed since the last append.
func (b *ReassemblyBuffer) IdleSeconds(now time.Time) int64 {
	if b.lastAppend.IsZero() {
		return 0
	}
	idle := now.Sub(b.lastAppend)
	if idle < 0 {
		return 0
	}
	return int64(idle / time.Second)
}

// MeaningfulLength returns the number of content bytes held by the buffer.
// It is always the write offset.
func (b *ReassemblyBuffer) MeaningfulLength() int {
	return b.offset
}

// Bytes returns a view of the accumulated content. The slice is only valid
// until the next Append or Reset.
func (b *ReassemblyBuffer) Bytes() []byte {
	return b.storage[:b.offset]
}

// Capacity returns the fixed storage size.
func (b *ReassemblyBuffer) Capacity() int {
	return len(b.storage)
}

// Remaining returns how many more bytes can be appended.
func (b *ReassemblyBuffer) Remaining() int {
	return len(b.storage) - b.offset
}

// LastAppend returns the time of the most recent successful append.
func (b *ReassemblyBuffer) LastAppend() time.Time {
	return b.lastAppend
}
