// Package housekeeping reports ingest counters and link state as
// telemetry on the software bus.
package housekeeping

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/decode"
	"firestige.xyz/cilab/internal/link"
	"firestige.xyz/cilab/internal/metrics"
)

// DefaultMsgID is the housekeeping telemetry message id.
const DefaultMsgID uint16 = 0x0884

// PayloadLen is the size of the housekeeping telemetry payload:
// five big-endian uint32 values (command counter, command error counter,
// ingest packets, ingest errors, buffered bytes).
const PayloadLen = 20

// UplinkState is the part of the pump read by housekeeping.
type UplinkState interface {
	Counters() core.CounterSnapshot
	BufferedBytes() int
	PublishPending() bool
}

// LinkTable lists the senders currently heard.
type LinkTable interface {
	Snapshot() []link.Sender
}

// Publisher sends telemetry packets.
type Publisher interface {
	Publish(ctx context.Context, pkt core.BusPacket) error
}

// Report is one housekeeping sample.
type Report struct {
	Node           string               `json:"node" yaml:"node"`
	GeneratedAt    time.Time            `json:"generated_at" yaml:"generated_at"`
	Counters       core.CounterSnapshot `json:"counters" yaml:"counters"`
	BufferedBytes  int                  `json:"buffered_bytes" yaml:"buffered_bytes"`
	PublishPending bool                 `json:"publish_pending" yaml:"publish_pending"`
	Senders        []link.Sender        `json:"senders" yaml:"senders"`
}

// YAML renders the report for the CLI.
func (r Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Payload encodes the telemetry payload.
func (r Report) Payload() []byte {
	b := make([]byte, PayloadLen)
	binary.BigEndian.PutUint32(b[0:], r.Counters.CommandCounter)
	binary.BigEndian.PutUint32(b[4:], r.Counters.CommandErrorCounter)
	binary.BigEndian.PutUint32(b[8:], r.Counters.IngestPackets)
	binary.BigEndian.PutUint32(b[12:], r.Counters.IngestErrors)
	binary.BigEndian.PutUint32(b[16:], uint32(r.BufferedBytes))
	return b
}

// ParsePayload decodes a telemetry payload produced by Payload.
func ParsePayload(b []byte) (core.CounterSnapshot, int, error) {
	if len(b) < PayloadLen {
		return core.CounterSnapshot{}, 0, fmt.Errorf("%w: housekeeping payload %d bytes", core.ErrDecode, len(b))
	}
	return core.CounterSnapshot{
		CommandCounter:      binary.BigEndian.Uint32(b[0:]),
		CommandErrorCounter: binary.BigEndian.Uint32(b[4:]),
		IngestPackets:       binary.BigEndian.Uint32(b[8:]),
		IngestErrors:        binary.BigEndian.Uint32(b[12:]),
	}, int(binary.BigEndian.Uint32(b[16:])), nil
}

// Reporter builds and publishes housekeeping telemetry.
type Reporter struct {
	node      string
	msgID     uint16
	uplink    UplinkState
	links     LinkTable
	publisher Publisher

	mu       sync.Mutex
	sequence uint16
}

// NewReporter creates a reporter. links may be nil.
func NewReporter(node string, msgID uint16, uplink UplinkState, links LinkTable, publisher Publisher) *Reporter {
	if msgID == 0 {
		msgID = DefaultMsgID
	}
	return &Reporter{node: node, msgID: msgID, uplink: uplink, links: links, publisher: publisher}
}

// Collect samples the current state.
func (r *Reporter) Collect() Report {
	rep := Report{
		Node:           r.node,
		GeneratedAt:    time.Now(),
		Counters:       r.uplink.Counters(),
		BufferedBytes:  r.uplink.BufferedBytes(),
		PublishPending: r.uplink.PublishPending(),
	}
	if r.links != nil {
		rep.Senders = r.links.Snapshot()
	}
	return rep
}

// Send collects a report and publishes it as a telemetry packet.
func (r *Reporter) Send(ctx context.Context) (Report, error) {
	rep := r.Collect()

	r.mu.Lock()
	seq := r.sequence
	r.sequence = (r.sequence + 1) & 0x3FFF
	r.mu.Unlock()

	data := decode.EncodeCCSDS(r.msgID, seq, rep.Payload())
	pkt := core.BusPacket{
		MsgID:      r.msgID,
		APID:       r.msgID & 0x07FF,
		Type:       core.PacketTelemetry,
		Sequence:   seq,
		Data:       data,
		ReceivedAt: rep.GeneratedAt,
	}
	if err := r.publisher.Publish(ctx, pkt); err != nil {
		return rep, fmt.Errorf("publish housekeeping: %w", err)
	}
	metrics.HousekeepingPublishedTotal.Inc()
	return rep, nil
}

// Run publishes a report every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Send(ctx); err != nil {
				slog.Warn("housekeeping report not published", "error", err)
			}
		}
	}
}
