package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
)

// Stats reports in-process bus activity.
type Stats struct {
	Published      uint64 `json:"published" yaml:"published"`
	Delivered      uint64 `json:"delivered" yaml:"delivered"`
	HandlerErrors  uint64 `json:"handler_errors" yaml:"handler_errors"`
	PartitionCount int    `json:"partitions" yaml:"partitions"`
	Queued         []int  `json:"queued" yaml:"queued"`
}

type partition struct {
	id    int
	queue chan core.BusPacket
}

// MemoryBus is an in-process software bus. Packets are spread over
// partitions by consistent hashing of the message id, so packets with the
// same id are delivered in publish order. Publish never blocks: a full
// partition queue is reported as core.ErrPublish.
type MemoryBus struct {
	partitions []*partition
	nodes      []string
	ring       *hashring.HashRing

	mu       sync.RWMutex // guards subscribers and closed against Publish
	byID     map[uint16][]Handler
	wildcard []Handler
	closed   bool
	wg       sync.WaitGroup

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
}

// NewMemoryBus creates and starts an in-process bus.
func NewMemoryBus(partitionCount, queueSize int) *MemoryBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	b := &MemoryBus{
		partitions: make([]*partition, partitionCount),
		nodes:      make([]string, partitionCount),
		byID:       make(map[uint16][]Handler),
	}
	for i := range b.partitions {
		b.nodes[i] = "partition-" + strconv.Itoa(i)
		b.partitions[i] = &partition{id: i, queue: make(chan core.BusPacket, queueSize)}
	}
	b.ring = hashring.New(b.nodes)

	b.wg.Add(partitionCount)
	for _, p := range b.partitions {
		go b.run(p)
	}
	return b
}

func (b *MemoryBus) Name() string { return "memory" }

// Publish enqueues pkt on its partition.
func (b *MemoryBus) Publish(_ context.Context, pkt core.BusPacket) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return core.ErrBusClosed
	}

	p := b.partitions[b.partitionFor(pkt.MsgID)]
	select {
	case p.queue <- pkt:
		b.published.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: partition %d queue is full", core.ErrPublish, p.id)
	}
}

// Subscribe registers h for packets with msgID.
func (b *MemoryBus) Subscribe(msgID uint16, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrBusClosed
	}
	b.byID[msgID] = append(b.byID[msgID], h)
	slog.Debug("bus subscription added", "msg_id", fmt.Sprintf("0x%04X", msgID))
	return nil
}

// SubscribeAll registers h for every packet.
func (b *MemoryBus) SubscribeAll(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrBusClosed
	}
	b.wildcard = append(b.wildcard, h)
	return nil
}

// Close stops accepting packets and waits until queued ones are delivered.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	slog.Info("memory bus closed", "published", b.published.Load(), "delivered", b.delivered.Load())
	return nil
}

// Stats returns a snapshot of bus activity.
func (b *MemoryBus) Stats() Stats {
	s := Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		HandlerErrors:  b.handlerErrors.Load(),
		PartitionCount: len(b.partitions),
		Queued:         make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		s.Queued[i] = len(p.queue)
	}
	return s
}

func (b *MemoryBus) partitionFor(msgID uint16) int {
	node, ok := b.ring.GetNode(strconv.Itoa(int(msgID)))
	if !ok {
		return 0
	}
	for i, n := range b.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *MemoryBus) handlers(msgID uint16) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.byID[msgID])+len(b.wildcard))
	out = append(out, b.byID[msgID]...)
	return append(out, b.wildcard...)
}

func (b *MemoryBus) run(p *partition) {
	defer b.wg.Done()

	for pkt := range p.queue {
		label := fmt.Sprintf("0x%04X", pkt.MsgID)
		for _, h := range b.handlers(pkt.MsgID) {
			if err := h(pkt); err != nil {
				b.handlerErrors.Add(1)
				slog.Error("bus handler failed", "partition", p.id, "msg_id", label, "error", err)
				continue
			}
			b.delivered.Add(1)
			metrics.BusDeliveredTotal.WithLabelValues(label).Inc()
		}
	}
}
