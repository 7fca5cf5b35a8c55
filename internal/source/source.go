// Package source provides frame sources feeding the uplink pump.
package source

import (
	"fmt"

	"firestige.xyz/cilab/internal/config"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/uplink"
)

// LinkHeaderLen is the size of the optional gateway metadata prefix:
// one byte sender id followed by a signed RSSI byte in dBm.
const LinkHeaderLen = 2

// Source yields received frames without blocking.
type Source interface {
	Poll() (core.Frame, bool)
	Close() error
	Name() string
}

// New creates the source selected by cfg.Type.
func New(cfg config.SourceConfig, clock uplink.Clock) (Source, error) {
	switch cfg.Type {
	case "udp":
		return ListenUDP(cfg.UDP, clock)
	case "pcap":
		return OpenPcap(cfg.Pcap, clock)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", core.ErrConfigInvalid, cfg.Type)
	}
}

// parseFrame builds a frame from one gateway datagram. The returned frame
// owns a copy of the payload.
func parseFrame(data []byte, linkHeader bool) (core.Frame, bool) {
	var f core.Frame
	if linkHeader {
		if len(data) < LinkHeaderLen {
			return f, false
		}
		f.SenderID = int(data[0])
		f.SignalStrength = int(int8(data[1]))
		data = data[LinkHeaderLen:]
	}
	f.Payload = append([]byte(nil), data...)
	f.Length = len(f.Payload)
	return f, true
}
