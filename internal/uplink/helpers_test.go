package uplink

import (
	"context"
	"errors"
	"time"

	"firestige.xyz/cilab/internal/core"
)

func newFakeClock() *ManualClock {
	return NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

// queueSource replays queued frames, one per Poll.
type queueSource struct {
	frames []core.Frame
}

func (s *queueSource) Push(payload ...[]byte) {
	for _, p := range payload {
		s.frames = append(s.frames, core.Frame{Payload: p, Length: len(p), SenderID: 1, SignalStrength: -40})
	}
}

func (s *queueSource) Poll() (core.Frame, bool) {
	if len(s.frames) == 0 {
		return core.Frame{}, false
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, true
}

// passthroughDecoder copies its input into a packet.
type passthroughDecoder struct {
	calls [][]byte
	err   error
}

func (d *passthroughDecoder) Decode(data []byte) (core.BusPacket, error) {
	cp := append([]byte(nil), data...)
	d.calls = append(d.calls, cp)
	if d.err != nil {
		return core.BusPacket{}, d.err
	}
	return core.BusPacket{MsgID: 0x1884, Data: cp}, nil
}

// recordingPublisher stores published packets and fails while failN > 0.
type recordingPublisher struct {
	published []core.BusPacket
	failN     int
	attempts  int
}

var errBusFull = errors.New("queue full")

func (p *recordingPublisher) Publish(_ context.Context, pkt core.BusPacket) error {
	p.attempts++
	if p.failN > 0 {
		p.failN--
		return errBusFull
	}
	p.published = append(p.published, pkt)
	return nil
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// countingPool wraps a StagingPool and records every release.
type countingPool struct {
	*StagingPool
	released []*StagingBuffer
}

func (p *countingPool) Release(b *StagingBuffer) {
	p.released = append(p.released, b)
	p.StagingPool.Release(b)
}
