package uplink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
)

// DefaultMaxFramesPerPoll bounds the work done by a single PollOnce call.
const DefaultMaxFramesPerPoll = 30

// FrameSource yields received link-layer frames. Poll never blocks.
type FrameSource interface {
	Poll() (core.Frame, bool)
}

// Decoder turns a complete message into a bus packet. The returned packet
// must not retain the input slice.
type Decoder interface {
	Decode(data []byte) (core.BusPacket, error)
}

// Publisher forwards decoded packets to the software bus.
type Publisher interface {
	Publish(ctx context.Context, pkt core.BusPacket) error
}

// FrameObserver is notified of every frame taken from the source.
type FrameObserver interface {
	ObserveFrame(f core.Frame)
}

// PublishFailurePolicy selects what happens to a decoded message the bus
// refused.
type PublishFailurePolicy string

const (
	// PublishRetain keeps the message and retries at the next poll.
	PublishRetain PublishFailurePolicy = "retain"
	// PublishDrop clears the message immediately.
	PublishDrop PublishFailurePolicy = "drop"
)

// StopReason explains why a PollOnce call returned.
type StopReason string

const (
	StopSourceDrained  StopReason = "source_drained"
	StopIterationCap   StopReason = "iteration_cap"
	StopNoBuffer       StopReason = "no_buffer"
	StopPublishPending StopReason = "publish_pending"
	StopCancelled      StopReason = "cancelled"
)

// PollResult summarizes one PollOnce call.
type PollResult struct {
	Frames    int
	Completed int
	Stop      StopReason
}

// Config contains pump configuration and collaborators.
type Config struct {
	ReassemblyCapacity int
	IdleThreshold      time.Duration
	MaxFramesPerPoll   int
	OnPublishFailure   PublishFailurePolicy
	MaxPublishRetries  int // <= 0 retries until the bus accepts the message

	Source    FrameSource
	Pool      BufferPool
	Decoder   Decoder
	Publisher Publisher
	Clock     Clock
	Counters  *core.IngestCounters
	Observer  FrameObserver // optional
}

type pendingPublish struct {
	pkt      core.BusPacket
	attempts int
}

// Pump drives the uplink: it drains frames into the reassembly buffer and
// decodes and forwards a message once the link has been idle long enough.
//
// A Pump is meant to be driven by one host loop. All state, including the
// counters reset, is guarded by a single mutex held for a whole PollOnce.
type Pump struct {
	mu  sync.Mutex
	cfg Config

	buf      *ReassemblyBuffer
	detector CompletionDetector
	staging  *StagingBuffer
	pending  *pendingPublish

	lastSender int
	lastRSSI   int
}

// NewPump creates a pump. Source, Pool, Decoder and Publisher are required.
func NewPump(cfg Config) *Pump {
	if cfg.MaxFramesPerPoll <= 0 {
		cfg.MaxFramesPerPoll = DefaultMaxFramesPerPoll
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.OnPublishFailure == "" {
		cfg.OnPublishFailure = PublishRetain
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Counters == nil {
		cfg.Counters = &core.IngestCounters{}
	}
	return &Pump{
		cfg:      cfg,
		buf:      NewReassemblyBuffer(cfg.ReassemblyCapacity, cfg.Clock),
		detector: CompletionDetector{Threshold: cfg.IdleThreshold},
	}
}

// PollOnce runs one bounded drain cycle. It is invoked once per host
// scheduling turn and never blocks on the frame source.
func (p *Pump) PollOnce(ctx context.Context) PollResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res := p.poll(ctx)
	metrics.PollDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.ReassemblyBufferedBytes.Set(float64(p.buf.MeaningfulLength()))
	return res
}

func (p *Pump) poll(ctx context.Context) PollResult {
	var res PollResult

	if p.pending != nil && !p.retryPending(ctx) {
		res.Stop = StopPublishPending
		return res
	}

	for i := 0; i < p.cfg.MaxFramesPerPoll; i++ {
		if ctx.Err() != nil {
			res.Stop = StopCancelled
			return res
		}

		if p.staging == nil {
			if err := p.reserveStaging(); err != nil {
				slog.Debug("deferring uplink", "error", err)
				res.Stop = StopNoBuffer
				return res
			}
		}

		frame, ready := p.cfg.Source.Poll()
		if ready {
			res.Frames++
			p.accept(frame)
		}

		if p.detector.Complete(p.buf, p.cfg.Clock.Now()) {
			res.Completed++
			p.complete(ctx)
			if p.pending != nil {
				res.Stop = StopPublishPending
				return res
			}
			continue
		}

		if !ready {
			res.Stop = StopSourceDrained
			return res
		}
	}

	res.Stop = StopIterationCap
	return res
}

// reserveStaging checks out the decode-input buffer for the next message.
// At most one reservation is held at a time.
func (p *Pump) reserveStaging() error {
	if p.staging != nil {
		return core.ErrBufferInUse
	}
	b, ok := p.cfg.Pool.Acquire()
	if !ok {
		return core.ErrNoBuffer
	}
	p.staging = b
	return nil
}

// releaseStaging returns the reservation to the pool.
func (p *Pump) releaseStaging() {
	if p.staging == nil {
		return
	}
	p.cfg.Pool.Release(p.staging)
	p.staging = nil
}

// accept appends a received frame. An overflowing frame drops the whole
// message being assembled.
func (p *Pump) accept(f core.Frame) {
	metrics.FramesTotal.Inc()
	metrics.FrameBytesTotal.Add(float64(len(f.Bytes())))
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveFrame(f)
	}

	slog.Debug("uplink frame received",
		"len", f.Length,
		"rssi", f.SignalStrength,
		"sender", f.SenderID,
		"buffered", p.buf.MeaningfulLength(),
	)

	if err := p.buf.Append(f.Payload, f.Length); err != nil {
		p.ingestError(err, "dropping partial message",
			"frame_len", f.Length,
			"buffered", p.buf.MeaningfulLength(),
			"capacity", p.buf.Capacity(),
		)
		p.buf.Reset()
		return
	}
	p.lastSender = f.SenderID
	p.lastRSSI = f.SignalStrength
}

// ResetCounters zeroes the housekeeping counters.
func (p *Pump) ResetCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Counters.Reset()
	slog.Info("ingest counters reset")
}

// Counters returns a snapshot of the housekeeping counters.
func (p *Pump) Counters() core.CounterSnapshot {
	return p.cfg.Counters.Snapshot()
}

// BufferedBytes returns the content length of the reassembly buffer.
func (p *Pump) BufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.MeaningfulLength()
}

// PublishPending reports whether a decoded message is waiting for the bus.
func (p *Pump) PublishPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Discard drops any partially assembled message and returns the staging
// reservation. Used at shutdown.
func (p *Pump) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.buf.MeaningfulLength(); n > 0 {
		slog.Info("discarding partial uplink message", "len", n)
	}
	p.buf.Reset()
	p.pending = nil
	p.releaseStaging()
}
