package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"firestige.xyz/cilab/internal/bus"
	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/link"
	"firestige.xyz/cilab/internal/source"
	"firestige.xyz/cilab/internal/uplink"
)

// maxTailPolls bounds the polls spent completing the last message after
// the capture is exhausted.
const maxTailPolls = 1000

// ReplayResult summarizes an offline replay.
type ReplayResult struct {
	Capture        string               `json:"capture" yaml:"capture"`
	Frames         int                  `json:"frames" yaml:"frames"`
	Completed      int                  `json:"completed" yaml:"completed"`
	Polls          int                  `json:"polls" yaml:"polls"`
	SimulatedTime  time.Duration        `json:"simulated_time" yaml:"simulated_time"`
	Counters       core.CounterSnapshot `json:"counters" yaml:"counters"`
	Delivered      []Delivery           `json:"delivered" yaml:"delivered"`
	Senders        []link.Sender        `json:"senders" yaml:"senders"`
	DiscardedBytes int                  `json:"discarded_bytes" yaml:"discarded_bytes"`
}

// Delivery counts packets delivered on the bus for one message id.
type Delivery struct {
	MsgID   string `json:"msg_id" yaml:"msg_id"`
	Packets int    `json:"packets" yaml:"packets"`
}

// Replay feeds a capture through the ingest path. Time is simulated: the
// pump and the capture share a manual clock advanced by one poll interval
// per turn, so idle gaps cost nothing. The bus is always in-process.
func Replay(ctx context.Context, cfg *config.GlobalConfig, path string) (ReplayResult, error) {
	c := *cfg
	c.Source.Type = "pcap"
	c.Source.Pcap.Path = path
	c.Bus.Type = "memory"

	step := c.Uplink.PollIntervalDuration()
	if step <= 0 {
		step = 500 * time.Millisecond
	}

	start := time.Now()
	clock := uplink.NewManualClock(start)
	src, err := source.OpenPcap(c.Source.Pcap, clock)
	if err != nil {
		return ReplayResult{}, err
	}
	p, err := newPipeline(&c, src, clock)
	if err != nil {
		src.Close()
		return ReplayResult{}, err
	}

	deliveries := newDeliveryCounter()
	if mb, ok := p.Bus.(*bus.MemoryBus); ok {
		if err := mb.SubscribeAll(deliveries.handle); err != nil {
			p.Close()
			return ReplayResult{}, fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	res := ReplayResult{Capture: path}
	tail := 0
	for {
		if err := ctx.Err(); err != nil {
			p.Close()
			return res, err
		}

		pr := p.Pump.PollOnce(ctx)
		res.Polls++
		res.Frames += pr.Frames
		res.Completed += pr.Completed

		if src.Done() {
			if p.Pump.BufferedBytes() == 0 && !p.Pump.PublishPending() {
				break
			}
			if tail++; tail > maxTailPolls {
				res.DiscardedBytes = p.Pump.BufferedBytes()
				slog.Warn("replay ended with an incomplete message", "buffered", res.DiscardedBytes)
				break
			}
		}
		clock.Advance(step)
	}

	res.SimulatedTime = clock.Now().Sub(start)
	res.Senders = p.Links.Snapshot()

	// Close waits for the bus to deliver, including uplinked commands.
	if err := p.Close(); err != nil {
		slog.Warn("error closing replay pipeline", "error", err)
	}
	res.Counters = p.Counters.Snapshot()
	res.Delivered = deliveries.list()
	return res, nil
}

type deliveryCounter struct {
	mu   sync.Mutex
	byID map[uint16]int
}

func newDeliveryCounter() *deliveryCounter {
	return &deliveryCounter{byID: make(map[uint16]int)}
}

func (d *deliveryCounter) handle(pkt core.BusPacket) error {
	d.mu.Lock()
	d.byID[pkt.MsgID]++
	d.mu.Unlock()
	return nil
}

func (d *deliveryCounter) list() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]int, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, Delivery{MsgID: fmt.Sprintf("0x%04X", id), Packets: d.byID[uint16(id)]})
	}
	return out
}
