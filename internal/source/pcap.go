package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
	"firestige.xyz/cilab/internal/uplink"
)

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type pendingFrame struct {
	frame core.Frame
	at    time.Time // capture timestamp
}

// Pcap replays gateway datagrams from a capture file. Each UDP payload is
// one frame. Frames become available following their capture timestamps,
// scaled by Speed and measured with the injected clock, so the idle
// detection sees the same gaps as on air.
type Pcap struct {
	cfg    config.PcapConfig
	clock  uplink.Clock
	file   *os.File
	reader packetReader

	next        *pendingFrame
	captureBase time.Time
	wallBase    time.Time
	started     bool
	done        bool
	frames      int
}

// OpenPcap opens a pcap or pcapng file for replay.
func OpenPcap(cfg config.PcapConfig, clock uplink.Clock) (*Pcap, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: pcap source requires a path", core.ErrConfigInvalid)
	}
	if clock == nil {
		clock = uplink.SystemClock{}
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", cfg.Path, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header %s: %w", cfg.Path, err)
	}

	var r packetReader
	if bytes.Equal(magic, pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse pcap file %s: %w", cfg.Path, err)
	}

	slog.Info("pcap frame source opened", "path", cfg.Path, "link_type", r.LinkType().String(), "speed", cfg.Speed)
	return &Pcap{cfg: cfg, clock: clock, file: f, reader: r}, nil
}

func (p *Pcap) Name() string { return "pcap" }

// Done reports whether every frame in the capture has been delivered.
func (p *Pcap) Done() bool { return p.done && p.next == nil }

// Frames returns the number of frames delivered so far.
func (p *Pcap) Frames() int { return p.frames }

// Poll returns the next frame once its replay time has come.
func (p *Pcap) Poll() (core.Frame, bool) {
	if p.next == nil && !p.done {
		p.next = p.readNext()
	}
	if p.next == nil {
		return core.Frame{}, false
	}

	now := p.clock.Now()
	if !p.started {
		p.started = true
		p.captureBase = p.next.at
		p.wallBase = now
	}
	if p.cfg.Speed > 0 {
		offset := time.Duration(float64(p.next.at.Sub(p.captureBase)) / p.cfg.Speed)
		if now.Before(p.wallBase.Add(offset)) {
			return core.Frame{}, false
		}
	}

	f := p.next.frame
	f.ReceivedAt = now
	p.next = nil
	p.frames++
	return f, true
}

// Close releases the capture file.
func (p *Pcap) Close() error {
	return p.file.Close()
}

// readNext returns the next UDP frame in the capture, or nil at the end.
func (p *Pcap) readNext() *pendingFrame {
	for {
		data, ci, err := p.reader.ReadPacketData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("pcap read failed, ending replay", "error", err)
			}
			p.done = true
			return nil
		}

		payload, ok := p.udpPayload(data)
		if !ok {
			continue
		}
		frame, ok := parseFrame(payload, p.cfg.LinkHeader)
		if !ok {
			metrics.SourceDropsTotal.WithLabelValues("pcap", "short_header").Inc()
			continue
		}
		return &pendingFrame{frame: frame, at: ci.Timestamp}
	}
}

func (p *Pcap) udpPayload(data []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, p.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, false
	}
	if p.cfg.Port != 0 && int(udp.DstPort) != p.cfg.Port {
		return nil, false
	}
	return udp.Payload, true
}
