package uplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cilab/internal/core"
)

func TestReassemblyBuffer_OffsetIsSumOfAppends(t *testing.T) {
	clock := newFakeClock()
	b := NewReassemblyBuffer(64, clock)

	total := 0
	for _, n := range []int{10, 0, 20, 34} {
		require.NoError(t, b.Append(repeat(0xAA, n), n))
		total += n
		assert.Equal(t, total, b.MeaningfulLength())
	}
	assert.Equal(t, 0, b.Remaining())
}

func TestReassemblyBuffer_OverflowLeavesBufferUnchanged(t *testing.T) {
	b := NewReassemblyBuffer(8, newFakeClock())
	require.NoError(t, b.Append([]byte{1, 2, 3, 4, 5}, 5))

	err := b.Append([]byte{6, 7, 8, 9}, 4)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, 5, b.MeaningfulLength())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, b.Bytes())
	assert.Equal(t, make([]byte, 3), b.storage[5:], "no bytes written past the content")
}

func TestReassemblyBuffer_RejectsLengthBeyondPayload(t *testing.T) {
	b := NewReassemblyBuffer(8, newFakeClock())
	assert.ErrorIs(t, b.Append([]byte{1, 2}, 3), core.ErrCapacityExceeded)
	assert.ErrorIs(t, b.Append([]byte{1, 2}, -1), core.ErrCapacityExceeded)
	assert.Equal(t, 0, b.MeaningfulLength())
}

func TestReassemblyBuffer_MeaningfulLengthCountsZeroBytes(t *testing.T) {
	b := NewReassemblyBuffer(16, newFakeClock())
	require.NoError(t, b.Append([]byte{0x41, 0x00, 0x42}, 3))
	assert.Equal(t, 3, b.MeaningfulLength())

	require.NoError(t, b.Append([]byte{0x00, 0x00}, 2))
	assert.Equal(t, 5, b.MeaningfulLength())
	assert.Equal(t, []byte{0x41, 0x00, 0x42, 0x00, 0x00}, b.Bytes())
}

func TestReassemblyBuffer_ResetZeroFills(t *testing.T) {
	b := NewReassemblyBuffer(4, newFakeClock())
	require.NoError(t, b.Append([]byte{9, 9, 9, 9}, 4))

	b.Reset()
	assert.Equal(t, 0, b.MeaningfulLength())
	assert.Equal(t, []byte{0, 0, 0, 0}, b.storage)
}

func TestReassemblyBuffer_IdleSeconds(t *testing.T) {
	clock := newFakeClock()
	b := NewReassemblyBuffer(16, clock)
	assert.Equal(t, int64(0), b.IdleSeconds(clock.Now()), "no append yet")

	require.NoError(t, b.Append([]byte{1}, 1))
	clock.Advance(4900 * time.Millisecond)
	assert.Equal(t, int64(4), b.IdleSeconds(clock.Now()))

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, int64(5), b.IdleSeconds(clock.Now()))

	assert.Equal(t, int64(0), b.IdleSeconds(b.LastAppend().Add(-time.Second)), "clock going backwards")
}

func TestCompletionDetector(t *testing.T) {
	clock := newFakeClock()
	b := NewReassemblyBuffer(16, clock)
	d := CompletionDetector{Threshold: 4 * time.Second}

	clock.Advance(time.Minute)
	assert.False(t, d.Complete(b, clock.Now()), "empty buffer is never complete")

	require.NoError(t, b.Append([]byte{1, 2}, 2))
	clock.Advance(4 * time.Second)
	assert.False(t, d.Complete(b, clock.Now()), "idle must exceed the threshold")

	clock.Advance(time.Second)
	assert.True(t, d.Complete(b, clock.Now()))

	var zero CompletionDetector
	assert.True(t, zero.Complete(b, clock.Now()), "zero threshold falls back to the default")
}

func TestStagingBuffer_FillClamps(t *testing.T) {
	pool := NewStagingPool(1, 4)
	s, ok := pool.Acquire()
	require.True(t, ok)

	n, err := s.Fill([]byte{1, 2, 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, s.Bytes())

	n, err = s.Fill([]byte{1, 2, 3, 4, 5, 6}, 6)
	assert.ErrorIs(t, err, core.ErrTruncated)
	assert.Equal(t, 4, n)
	assert.Len(t, s.data, 4, "backing array never grows")

	n, err = s.Fill([]byte{7, 8}, 5)
	require.NoError(t, err, "length clamps to the source")
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{7, 8}, s.Bytes())

	n, err = s.Fill([]byte{1, 2, 3, 4, 5, 6}, 10)
	assert.ErrorIs(t, err, core.ErrTruncated, "source clamp still exceeds capacity")
	assert.Equal(t, 4, n)

	n, err = s.Fill([]byte{9}, -3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, s.Bytes())
}

func TestStagingPool_ExclusiveReservation(t *testing.T) {
	pool := NewStagingPool(1, 8)

	b, ok := pool.Acquire()
	require.True(t, ok)
	_, ok = pool.Acquire()
	assert.False(t, ok, "second reservation while the first is outstanding")

	pool.Release(b)
	pool.Release(b)
	assert.Equal(t, 1, pool.Available(), "double release is ignored")

	pool.Release(&StagingBuffer{data: make([]byte, 8)})
	assert.Equal(t, 1, pool.Available(), "foreign buffer is ignored")
}
