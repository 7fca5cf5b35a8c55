package source

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
	"firestige.xyz/cilab/internal/uplink"
)

const (
	defaultUDPQueueSize = 256
	defaultUDPBatchSize = 16
	defaultUDPMaxFrame  = 255

	readRetryMin = 5 * time.Millisecond
	readRetryMax = time.Second
)

type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// UDP receives frames from a radio gateway that forwards each link-layer
// frame as one datagram. A reader goroutine drains the socket in batches
// into a bounded queue; Poll takes from the queue.
type UDP struct {
	cfg   config.UDPSourceConfig
	clock uplink.Clock
	conn  net.PacketConn
	pc    batchReader
	queue chan core.Frame
	limit *GatewayRateLimiter // nil = unlimited

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenUDP binds the listener and starts the reader.
func ListenUDP(cfg config.UDPSourceConfig, clock uplink.Clock) (*UDP, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultUDPQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultUDPBatchSize
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = defaultUDPMaxFrame
	}
	if clock == nil {
		clock = uplink.SystemClock{}
	}

	window, err := config.ParseDuration(cfg.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: source.udp.rate_window: %v", core.ErrConfigInvalid, err)
	}

	conn, err := net.ListenPacket("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	u := &UDP{
		cfg:   cfg,
		clock: clock,
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		queue: make(chan core.Frame, cfg.QueueSize),
		limit:  NewGatewayRateLimiter(cfg.MaxFramesPerWindow, window),
		closed: make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()

	slog.Info("udp frame source listening", "addr", conn.LocalAddr().String(), "link_header", cfg.LinkHeader)
	return u, nil
}

func (u *UDP) Name() string { return "udp" }

// Addr returns the bound address.
func (u *UDP) Addr() net.Addr { return u.conn.LocalAddr() }

// Poll returns the next queued frame, if any.
func (u *UDP) Poll() (core.Frame, bool) {
	select {
	case f := <-u.queue:
		return f, true
	default:
		return core.Frame{}, false
	}
}

// Close stops the reader and releases the socket.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.closed)
		err = u.conn.Close()
		u.wg.Wait()
	})
	return err
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	// One spare byte detects datagrams longer than a frame.
	bufLen := u.cfg.MaxFrame + 1
	if u.cfg.LinkHeader {
		bufLen += LinkHeaderLen
	}
	msgs := make([]ipv4.Message, u.cfg.BatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, bufLen)}
	}

	var retry time.Duration
	for {
		n, err := u.pc.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if retry == 0 {
				slog.Warn("udp frame source read failed, backing off", "error", err)
			} else {
				slog.Debug("udp frame source read failed", "error", err, "retry", retry)
			}
			retry = nextReadRetry(retry)
			select {
			case <-u.closed:
				return
			case <-time.After(retry):
			}
			continue
		}
		if retry > 0 {
			slog.Info("udp frame source read recovered")
			retry = 0
		}
		now := u.clock.Now()
		for i := 0; i < n; i++ {
			if !u.limit.Allow(gatewayAddr(msgs[i].Addr), now) {
				u.drop("rate_limited", msgs[i].N)
				continue
			}
			u.enqueue(msgs[i].Buffers[0][:msgs[i].N], bufLen, now)
		}
	}
}

func (u *UDP) enqueue(data []byte, bufLen int, now time.Time) {
	if len(data) >= bufLen {
		u.drop("oversized", len(data))
		return
	}
	f, ok := parseFrame(data, u.cfg.LinkHeader)
	if !ok {
		u.drop("short_header", len(data))
		return
	}
	f.ReceivedAt = now

	select {
	case u.queue <- f:
	default:
		u.drop("queue_full", len(data))
	}
}

// nextReadRetry doubles the wait after a failed read, up to readRetryMax.
func nextReadRetry(prev time.Duration) time.Duration {
	if prev < readRetryMin {
		return readRetryMin
	}
	return min(2*prev, readRetryMax)
}

func gatewayAddr(a net.Addr) netip.Addr {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort().Addr().Unmap()
	}
	return netip.Addr{}
}

func (u *UDP) drop(reason string, n int) {
	metrics.SourceDropsTotal.WithLabelValues("udp", reason).Inc()
	slog.Warn("udp frame dropped", "reason", reason, "len", n)
}
