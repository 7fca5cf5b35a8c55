package uplink

import (
	"fmt"

	"firestige.xyz/cilab/internal/core"
)

// DefaultStagingCapacity is the size of one decode-input buffer.
const DefaultStagingCapacity = 768

// StagingBuffer holds the decode input of a single message.
type StagingBuffer struct {
	data     []byte
	n        int
	reserved bool
}

// Fill copies the first n bytes of src into the buffer, clamped to both
// len(src) and the buffer capacity. It returns the number of bytes copied
// and ErrTruncated when the available source bytes did not fit.
func (s *StagingBuffer) Fill(src []byte, n int) (int, error) {
	want := min(max(n, 0), len(src))
	n = min(want, len(s.data))
	copy(s.data, src[:n])
	s.n = n
	if want > n {
		return n, fmt.Errorf("%d bytes into %d byte staging buffer: %w", want, len(s.data), core.ErrTruncated)
	}
	return n, nil
}

// Bytes returns the filled portion of the buffer.
func (s *StagingBuffer) Bytes() []byte {
	return s.data[:s.n]
}

// Capacity returns the buffer size.
func (s *StagingBuffer) Capacity() int {
	return len(s.data)
}

func (s *StagingBuffer) reset() {
	clear(s.data[:s.n])
	s.n = 0
}

// BufferPool hands out decode-input buffers. A reservation is exclusive
// until it is released.
type BufferPool interface {
	Acquire() (*StagingBuffer, bool)
	Release(*StagingBuffer)
}

// StagingPool is a fixed set of equally sized staging buffers.
type StagingPool struct {
	free     chan *StagingBuffer
	capacity int
}

// NewStagingPool allocates count buffers of capacity bytes each.
func NewStagingPool(count, capacity int) *StagingPool {
	if count <= 0 {
		count = 1
	}
	if capacity <= 0 {
		capacity = DefaultStagingCapacity
	}
	p := &StagingPool{
		free:     make(chan *StagingBuffer, count),
		capacity: capacity,
	}
	for i := 0; i < count; i++ {
		p.free <- &StagingBuffer{data: make([]byte, capacity)}
	}
	return p
}

// Acquire takes a buffer without blocking. It returns false when every
// buffer is reserved.
func (p *StagingPool) Acquire() (*StagingBuffer, bool) {
	select {
	case b := <-p.free:
		b.reserved = true
		return b, true
	default:
		return nil, false
	}
}

// Release returns a buffer to the pool. Foreign or duplicate releases are
// ignored.
func (p *StagingPool) Release(b *StagingBuffer) {
	if b == nil || !b.reserved || len(b.data) != p.capacity {
		return
	}
	b.reserved = false
	b.reset()
	select {
	case p.free <- b:
	default:
	}
}

// Available returns the number of unreserved buffers.
func (p *StagingPool) Available() int {
	return len(p.free)
}
