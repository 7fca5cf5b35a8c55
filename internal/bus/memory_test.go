package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
)

type collector struct {
	mu   sync.Mutex
	pkts []core.BusPacket
}

func (c *collector) handle(pkt core.BusPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, pkt)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

func TestMemoryBus_DeliversInOrderPerMessageID(t *testing.T) {
	b := NewMemoryBus(4, 32)
	defer b.Close()

	noop, all := &collector{}, &collector{}
	require.NoError(t, b.Subscribe(0x1884, noop.handle))
	require.NoError(t, b.SubscribeAll(all.handle))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), core.BusPacket{MsgID: 0x1884, Sequence: uint16(i)}))
	}
	require.NoError(t, b.Publish(context.Background(), core.BusPacket{MsgID: 0x1885}))

	require.Eventually(t, func() bool { return noop.len() == 10 && all.len() == 11 }, time.Second, 5*time.Millisecond)
	for i, pkt := range noop.pkts {
		assert.Equal(t, uint16(i), pkt.Sequence)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(11), stats.Published)
	assert.Equal(t, uint64(21), stats.Delivered)
	assert.Equal(t, 4, stats.PartitionCount)
}

func TestMemoryBus_FullQueue(t *testing.T) {
	b := NewMemoryBus(1, 1)
	defer b.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, b.SubscribeAll(func(core.BusPacket) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, core.BusPacket{MsgID: 1}))
	<-started // consumer is blocked in the handler
	require.NoError(t, b.Publish(ctx, core.BusPacket{MsgID: 1}))

	err := b.Publish(ctx, core.BusPacket{MsgID: 1})
	assert.ErrorIs(t, err, core.ErrPublish)
	close(release)
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(2, 8)
	c := &collector{}
	require.NoError(t, b.SubscribeAll(c.handle))
	require.NoError(t, b.Publish(context.Background(), core.BusPacket{MsgID: 7}))

	require.NoError(t, b.Close())
	assert.Equal(t, 1, c.len(), "queued packets are delivered before close returns")

	assert.ErrorIs(t, b.Publish(context.Background(), core.BusPacket{MsgID: 7}), core.ErrBusClosed)
	assert.ErrorIs(t, b.Subscribe(7, c.handle), core.ErrBusClosed)
	assert.NoError(t, b.Close())
}

func TestMemoryBus_HandlerErrorsCounted(t *testing.T) {
	b := NewMemoryBus(1, 8)
	require.NoError(t, b.Subscribe(3, func(core.BusPacket) error { return errors.New("table full") }))
	require.NoError(t, b.Publish(context.Background(), core.BusPacket{MsgID: 3}))
	require.NoError(t, b.Close())

	assert.Equal(t, uint64(1), b.Stats().HandlerErrors)
	assert.Equal(t, uint64(0), b.Stats().Delivered)
}

func TestNew(t *testing.T) {
	p, err := New(config.BusConfig{Type: "memory", Memory: config.MemoryBusConfig{Partitions: 2, QueueSize: 4}}, "gs")
	require.NoError(t, err)
	assert.Equal(t, "memory", p.Name())
	require.NoError(t, p.Close())

	_, err = New(config.BusConfig{Type: "kafka"}, "gs")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(config.BusConfig{Type: "zeromq"}, "gs")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
