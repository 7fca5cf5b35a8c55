// Package bus publishes decoded uplink packets to the software bus.
package bus

import (
	"context"
	"fmt"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
)

// Publisher delivers packets to the software bus.
type Publisher interface {
	Publish(ctx context.Context, pkt core.BusPacket) error
	Close() error
	Name() string
}

// Handler consumes packets delivered by the in-process bus.
type Handler func(pkt core.BusPacket) error

// New creates the publisher selected by cfg.Type. node identifies this
// station in published envelopes.
func New(cfg config.BusConfig, node string) (Publisher, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryBus(cfg.Memory.Partitions, cfg.Memory.QueueSize), nil
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka, node)
	default:
		return nil, fmt.Errorf("%w: unknown bus %q", core.ErrConfigInvalid, cfg.Type)
	}
}
