// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Frame is one link-layer receive unit handed over by a frame source.
// Payload[:Length] is the frame content; Length is authoritative.
type Frame struct {
	Payload        []byte
	Length         int
	SignalStrength int // RSSI as reported by the transceiver (dBm)
	SenderID       int // Link-layer node id of the transmitter
	ReceivedAt     time.Time
}

// Bytes returns the frame content bounded by Length.
func (f Frame) Bytes() []byte {
	n := f.Length
	if n < 0 {
		n = 0
	}
	if n > len(f.Payload) {
		n = len(f.Payload)
	}
	return f.Payload[:n]
}

// PacketType distinguishes command and telemetry packets on the bus.
type PacketType uint8

const (
	PacketTelemetry PacketType = 0
	PacketCommand   PacketType = 1
)

func (t PacketType) String() string {
	if t == PacketCommand {
		return "cmd"
	}
	return "tlm"
}

// BusPacket is a decoded message ready to be published on the software bus.
type BusPacket struct {
	MsgID           uint16 // Stream id: version/type/secondary-header flag/APID
	APID            uint16
	Type            PacketType
	SecondaryHeader bool
	Sequence        uint16
	Data            []byte // Complete packet bytes, header included

	// Receive context
	ReceivedAt     time.Time
	SenderID       int
	SignalStrength int
}
