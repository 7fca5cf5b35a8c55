package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	defaultKafkaMaxAttempts  = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards bus packets to a Kafka topic, keyed by message id
// so every message id stays on one partition.
type KafkaPublisher struct {
	node     string
	topic    string
	encoding Encoding
	writer   messageWriter

	published atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
}

// NewKafkaPublisher creates a synchronous Kafka writer.
func NewKafkaPublisher(cfg config.KafkaBusConfig, node string) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka bus requires brokers", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka bus requires a topic", core.ErrConfigInvalid)
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	batchTimeout := defaultKafkaBatchTimeout
	if cfg.BatchTimeout != "" {
		if batchTimeout, err = time.ParseDuration(cfg.BatchTimeout); err != nil {
			return nil, fmt.Errorf("%w: invalid batch_timeout: %v", core.ErrConfigInvalid, err)
		}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultKafkaBatchSize
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		MaxAttempts:  defaultKafkaMaxAttempts,
		Compression:  codec,
		RequiredAcks: kafka.RequireOne,
	}

	enc := Encoding(cfg.Encoding)
	if enc == "" {
		enc = EncodingJSON
	}
	slog.Info("kafka bus publisher created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"encoding", enc,
		"compression", cfg.Compression,
	)
	return newKafkaPublisher(w, cfg.Topic, enc, node), nil
}

func newKafkaPublisher(w messageWriter, topic string, enc Encoding, node string) *KafkaPublisher {
	return &KafkaPublisher{node: node, topic: topic, encoding: enc, writer: w}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish writes one packet. Any writer error is reported as core.ErrPublish.
func (p *KafkaPublisher) Publish(ctx context.Context, pkt core.BusPacket) error {
	if p.closed.Load() {
		return core.ErrBusClosed
	}

	value, err := NewEnvelope(p.node, pkt).Marshal(p.encoding)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("%w: encode envelope: %v", core.ErrPublish, err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("0x%04X", pkt.MsgID)),
		Value: value,
		Time:  pkt.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "encoding", Value: []byte(p.encoding)},
			{Key: "sender_id", Value: []byte(strconv.Itoa(pkt.SenderID))},
			{Key: "rssi", Value: []byte(strconv.Itoa(pkt.SignalStrength))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("%w: kafka write failed: %v", core.ErrPublish, err)
	}
	p.published.Add(1)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.writer.Close()
	slog.Info("kafka bus publisher stopped",
		"topic", p.topic,
		"published", p.published.Load(),
		"failed", p.failed.Load(),
	)
	return err
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return 0, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, name)
	}
}
