package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/cilab/internal/bus"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/decode"
	"firestige.xyz/cilab/internal/link"
)

type stubUplink struct {
	counters core.CounterSnapshot
	buffered int
}

func (s stubUplink) Counters() core.CounterSnapshot { return s.counters }
func (s stubUplink) BufferedBytes() int             { return s.buffered }
func (s stubUplink) PublishPending() bool           { return false }

type stubLinks []link.Sender

func (s stubLinks) Snapshot() []link.Sender { return s }

func TestReporter_SendPublishesTelemetry(t *testing.T) {
	b := bus.NewMemoryBus(1, 8)
	got := make(chan core.BusPacket, 2)
	require.NoError(t, b.Subscribe(DefaultMsgID, func(p core.BusPacket) error { got <- p; return nil }))

	up := stubUplink{counters: core.CounterSnapshot{CommandCounter: 2, CommandErrorCounter: 1, IngestPackets: 40, IngestErrors: 3}, buffered: 17}
	r := NewReporter("gs-01", 0, up, stubLinks{{ID: 1, LastRSSI: -60}}, b)

	rep, err := r.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gs-01", rep.Node)
	assert.Len(t, rep.Senders, 1)
	_, err = r.Send(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	first, second := <-got, <-got
	assert.Equal(t, uint16(0), first.Sequence)
	assert.Equal(t, uint16(1), second.Sequence)

	ccsds, err := decode.NewCCSDS(decode.CCSDSOptions{}).Decode(first.Data)
	require.NoError(t, err)
	assert.Equal(t, DefaultMsgID, ccsds.MsgID)
	assert.Equal(t, core.PacketTelemetry, ccsds.Type)

	counters, buffered, err := ParsePayload(first.Data[decode.PrimaryHeaderLen:])
	require.NoError(t, err)
	assert.Equal(t, up.counters, counters)
	assert.Equal(t, 17, buffered)
}

func TestReporter_PublishFailure(t *testing.T) {
	b := bus.NewMemoryBus(1, 1)
	require.NoError(t, b.Close())

	r := NewReporter("gs", 0x0885, stubUplink{}, nil, b)
	_, err := r.Send(context.Background())
	assert.ErrorIs(t, err, core.ErrBusClosed)
}

func TestReporter_Run(t *testing.T) {
	b := bus.NewMemoryBus(1, 16)
	defer b.Close()
	r := NewReporter("gs", 0, stubUplink{}, nil, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return b.Stats().Published >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestReport_YAML(t *testing.T) {
	rep := Report{Node: "gs", Counters: core.CounterSnapshot{IngestPackets: 5}}
	out, err := rep.YAML()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "gs", doc["node"])
	assert.Equal(t, 5, doc["counters"].(map[string]any)["ingest_packets"])
}

func TestParsePayload_Short(t *testing.T) {
	_, _, err := ParsePayload([]byte{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrDecode)
}
