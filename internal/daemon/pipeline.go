package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/cilab/internal/bus"
	"firestige.xyz/cilab/internal/command"
	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/decode"
	"firestige.xyz/cilab/internal/housekeeping"
	"firestige.xyz/cilab/internal/link"
	"firestige.xyz/cilab/internal/source"
	"firestige.xyz/cilab/internal/uplink"
)

// Pipeline is the assembled ingest path: frame source, pump, decoder and
// bus, plus the link tracker, housekeeping reporter and command handler
// hanging off it.
type Pipeline struct {
	Source     source.Source
	Decoder    decode.Decoder
	Bus        bus.Publisher
	Links      *link.Tracker
	Pump       *uplink.Pump
	Counters   *core.IngestCounters
	Reporter   *housekeeping.Reporter
	Handler    *command.CommandHandler
	Dispatcher *command.PacketDispatcher

	pollInterval time.Duration
	hkInterval   time.Duration
}

// NewPipeline builds the pipeline described by cfg. A nil clock selects
// the system clock.
func NewPipeline(cfg *config.GlobalConfig, clock uplink.Clock) (*Pipeline, error) {
	if clock == nil {
		clock = uplink.SystemClock{}
	}

	src, err := source.New(cfg.Source, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame source: %w", err)
	}
	p, err := newPipeline(cfg, src, clock)
	if err != nil {
		src.Close()
		return nil, err
	}
	return p, nil
}

func newPipeline(cfg *config.GlobalConfig, src source.Source, clock uplink.Clock) (*Pipeline, error) {
	dec, err := decode.New(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	pub, err := bus.New(cfg.Bus, cfg.Node.Hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	senderTTL, err := config.ParseDuration(cfg.Link.SenderTTL)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("%w: link.sender_ttl: %v", core.ErrConfigInvalid, err)
	}
	hkInterval, err := config.ParseDuration(cfg.Housekeeping.Interval)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("%w: housekeeping.interval: %v", core.ErrConfigInvalid, err)
	}

	p := &Pipeline{
		Source:       src,
		Decoder:      dec,
		Links:        link.NewTracker(senderTTL),
		Counters:     &core.IngestCounters{},
		pollInterval: cfg.Uplink.PollIntervalDuration(),
		hkInterval:   hkInterval,
	}

	cmdMsgID := cfg.CommandChannel.UplinkMsgID
	if cmdMsgID == 0 {
		cmdMsgID = command.DefaultCommandMsgID
	}
	// Resolved lazily: the dispatcher is built after the pump.
	dispatch := func(pkt core.BusPacket) error { return p.Dispatcher.HandlePacket(pkt) }

	if mb, ok := pub.(*bus.MemoryBus); ok {
		if err := mb.Subscribe(cmdMsgID, dispatch); err != nil {
			pub.Close()
			return nil, fmt.Errorf("failed to subscribe command dispatcher: %w", err)
		}
	} else {
		pub = newCommandTap(pub, cmdMsgID, dispatch)
	}

	p.Bus = pub
	p.Pump = uplink.NewPump(uplink.Config{
		ReassemblyCapacity: cfg.Uplink.ReassemblyCapacity,
		IdleThreshold:      cfg.Uplink.IdleThresholdDuration(),
		MaxFramesPerPoll:   cfg.Uplink.MaxFramesPerPoll,
		OnPublishFailure:   uplink.PublishFailurePolicy(cfg.Uplink.OnPublishFailure),
		MaxPublishRetries:  cfg.Uplink.MaxPublishRetries,
		Source:             src,
		Pool:               uplink.NewStagingPool(cfg.Uplink.StagingBuffers, cfg.Uplink.StagingCapacity),
		Decoder:            dec,
		Publisher:          pub,
		Clock:              clock,
		Counters:           p.Counters,
		Observer:           p.Links,
	})
	p.Reporter = housekeeping.NewReporter(cfg.Node.Hostname, cfg.Housekeeping.MsgID, p.Pump, p.Links, pub)
	p.Handler = command.NewCommandHandler(p.Pump, p.Counters, p.Reporter, command.Info{
		Node:    cfg.Node.Hostname,
		Source:  src.Name(),
		Decoder: dec.Name(),
		Bus:     pub.Name(),
	})
	p.Dispatcher = command.NewPacketDispatcher(p.Handler)

	slog.Info("ingest pipeline ready",
		"source", src.Name(),
		"decoder", dec.Name(),
		"bus", pub.Name(),
		"idle_threshold", cfg.Uplink.IdleThresholdDuration(),
		"poll_interval", p.pollInterval,
		"command_msg_id", fmt.Sprintf("0x%04X", cmdMsgID),
	)
	return p, nil
}

// commandTap hands command packets to the dispatcher once the bus has
// accepted them. It is used for buses that do not deliver locally.
// Publish runs under the pump lock, so dispatch happens on a separate
// goroutine in arrival order.
type commandTap struct {
	bus.Publisher
	msgID    uint16
	dispatch bus.Handler

	queue chan core.BusPacket
	done  chan struct{}
	once  sync.Once
}

func newCommandTap(pub bus.Publisher, msgID uint16, dispatch bus.Handler) *commandTap {
	t := &commandTap{
		Publisher: pub,
		msgID:     msgID,
		dispatch:  dispatch,
		queue:     make(chan core.BusPacket, 16),
		done:      make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *commandTap) Publish(ctx context.Context, pkt core.BusPacket) error {
	if err := t.Publisher.Publish(ctx, pkt); err != nil {
		return err
	}
	if pkt.MsgID == t.msgID {
		select {
		case t.queue <- pkt:
		default:
			slog.Warn("command dispatch queue full, dropping uplinked command", "seq", pkt.Sequence)
		}
	}
	return nil
}

func (t *commandTap) run() {
	defer close(t.done)
	for pkt := range t.queue {
		if err := t.dispatch(pkt); err != nil {
			slog.Warn("command dispatch failed", "error", err)
		}
	}
}

// Close drains pending commands and closes the underlying bus.
func (t *commandTap) Close() error {
	t.once.Do(func() { close(t.queue) })
	<-t.done
	return t.Publisher.Close()
}

// RunUplink calls PollOnce every poll interval until ctx is done. It is
// the host scheduling loop of the pump.
func (p *Pipeline) RunUplink(ctx context.Context) {
	interval := p.pollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := p.Pump.PollOnce(ctx)
			if res.Frames > 0 || res.Completed > 0 {
				slog.Debug("uplink poll",
					"frames", res.Frames,
					"completed", res.Completed,
					"stop", res.Stop,
				)
			}
		}
	}
}

// RunHousekeeping publishes housekeeping telemetry until ctx is done.
func (p *Pipeline) RunHousekeeping(ctx context.Context) {
	p.Reporter.Run(ctx, p.hkInterval)
}

// Close discards any partially assembled message and releases the bus and
// the source.
func (p *Pipeline) Close() error {
	p.Pump.Discard()
	p.Links.Flush()
	return errors.Join(p.Bus.Close(), p.Source.Close())
}
