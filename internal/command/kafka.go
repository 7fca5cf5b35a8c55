package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/cilab/internal/config"
)

// KafkaCommand is the wire format of remote commands.
//
//	{
//	  "version":    "v1",
//	  "target":     "gs-01",
//	  "command":    "reset_counters",
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    {}
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`
	Target    string          `json:"target"` // hostname or "*" for broadcast
	Command   string          `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaResponse is published on the response topic.
type KafkaResponse struct {
	RequestID string     `json:"request_id"`
	Node      string     `json:"node"`
	Command   string     `json:"command"`
	Timestamp time.Time  `json:"timestamp"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes remote commands and dispatches them to the
// handler. Commands for other nodes or older than the TTL are skipped.
type KafkaCommandConsumer struct {
	hostname string
	topic    string
	reader   messageReader
	writer   messageWriter // nil when no response topic is configured
	handler  *CommandHandler
	ttl      time.Duration
	now      func() time.Time
}

// NewKafkaCommandConsumer creates a consumer from the command channel config.
func NewKafkaCommandConsumer(cc config.CommandChannelConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	kc := cc.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	ttl := 5 * time.Minute
	if cc.CommandTTL != "" {
		var err error
		if ttl, err = time.ParseDuration(cc.CommandTTL); err != nil {
			return nil, fmt.Errorf("invalid command_ttl %q: %w", cc.CommandTTL, err)
		}
	}

	startOffset := kafka.LastOffset
	if kc.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})

	var writer messageWriter
	if kc.ResponseTopic != "" {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(kc.Brokers...),
			Topic:        kc.ResponseTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		}
	}

	slog.Info("kafka command consumer created",
		"brokers", kc.Brokers,
		"topic", kc.Topic,
		"group_id", kc.GroupID,
		"response_topic", kc.ResponseTopic,
		"ttl", ttl,
	)
	return newKafkaCommandConsumer(reader, writer, kc.Topic, hostname, handler, ttl), nil
}

func newKafkaCommandConsumer(r messageReader, w messageWriter, topic, hostname string, h *CommandHandler, ttl time.Duration) *KafkaCommandConsumer {
	return &KafkaCommandConsumer{
		hostname: hostname,
		topic:    topic,
		reader:   r,
		writer:   w,
		handler:  h,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Start consumes until ctx is cancelled.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka command consumer stopped", "reason", ctx.Err())
				return ctx.Err()
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process command",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		slog.Debug("skipping command not targeting this node", "target", kCmd.Target, "request_id", kCmd.RequestID)
		return nil
	}

	if age := c.now().Sub(kCmd.Timestamp); !kCmd.Timestamp.IsZero() && age > c.ttl {
		slog.Warn("skipping stale command",
			"command", kCmd.Command,
			"request_id", kCmd.RequestID,
			"age", age,
			"ttl", c.ttl,
		)
		return nil
	}

	resp := c.handler.Handle(ctx, Command{Method: kCmd.Command, Params: kCmd.Payload, ID: kCmd.RequestID})
	if err := c.respond(ctx, kCmd, resp); err != nil {
		slog.Warn("failed to publish command response", "request_id", kCmd.RequestID, "error", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("command %s failed: %s", kCmd.Command, resp.Error.Message)
	}
	return nil
}

func (c *KafkaCommandConsumer) respond(ctx context.Context, kCmd KafkaCommand, resp Response) error {
	if c.writer == nil {
		return nil
	}
	value, err := json.Marshal(KafkaResponse{
		RequestID: kCmd.RequestID,
		Node:      c.hostname,
		Command:   kCmd.Command,
		Timestamp: c.now(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{Key: []byte(kCmd.RequestID), Value: value})
}

// Stop closes the reader and the response writer. Safe to call twice.
func (c *KafkaCommandConsumer) Stop() error {
	var errs []error
	if c.reader != nil {
		errs = append(errs, c.reader.Close())
		c.reader = nil
	}
	if c.writer != nil {
		errs = append(errs, c.writer.Close())
		c.writer = nil
	}
	return errors.Join(errs...)
}
