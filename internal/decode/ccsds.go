package decode

import (
	"encoding/binary"

	"firestige.xyz/cilab/internal/core"
)

// CCSDS Space Packet primary header layout.
const (
	PrimaryHeaderLen = 6

	versionMask  = 0xE000
	typeMask     = 0x1000
	secHdrMask   = 0x0800
	apidMask     = 0x07FF
	streamIDMask = 0x1FFF
	sequenceMask = 0x3FFF
)

// CCSDSOptions configures the space packet decoder.
type CCSDSOptions struct {
	// MaxPacketSize rejects packets declaring more bytes; 0 = no limit.
	MaxPacketSize int `mapstructure:"max_packet_size"`
	// CommandsOnly rejects telemetry-type packets.
	CommandsOnly bool `mapstructure:"commands_only"`
}

// CCSDS decodes a CCSDS Space Packet. The message id is the stream id
// (type, secondary header flag and APID). Bytes past the declared packet
// length are ignored; radio frames are often padded.
type CCSDS struct {
	opts CCSDSOptions
}

// NewCCSDS creates a space packet decoder.
func NewCCSDS(opts CCSDSOptions) *CCSDS {
	return &CCSDS{opts: opts}
}

func (d *CCSDS) Name() string { return "ccsds" }

func (d *CCSDS) Decode(data []byte) (core.BusPacket, error) {
	if len(data) < PrimaryHeaderLen {
		return core.BusPacket{}, decodeErr("packet too short: %d bytes", len(data))
	}

	streamID := binary.BigEndian.Uint16(data[0:2])
	sequence := binary.BigEndian.Uint16(data[2:4])
	total := PrimaryHeaderLen + int(binary.BigEndian.Uint16(data[4:6])) + 1

	if v := streamID & versionMask; v != 0 {
		return core.BusPacket{}, decodeErr("unsupported packet version %d", v>>13)
	}
	if total > len(data) {
		return core.BusPacket{}, decodeErr("declared length %d exceeds message length %d", total, len(data))
	}
	if d.opts.MaxPacketSize > 0 && total > d.opts.MaxPacketSize {
		return core.BusPacket{}, decodeErr("packet length %d exceeds limit %d", total, d.opts.MaxPacketSize)
	}

	pktType := core.PacketTelemetry
	if streamID&typeMask != 0 {
		pktType = core.PacketCommand
	}
	if d.opts.CommandsOnly && pktType != core.PacketCommand {
		return core.BusPacket{}, decodeErr("telemetry packet 0x%04X on command uplink", streamID)
	}

	return core.BusPacket{
		MsgID:           streamID & streamIDMask,
		APID:            streamID & apidMask,
		Type:            pktType,
		SecondaryHeader: streamID&secHdrMask != 0,
		Sequence:        sequence & sequenceMask,
		Data:            append([]byte(nil), data[:total]...),
	}, nil
}

// EncodeCCSDS builds a space packet around payload. Used for locally
// generated telemetry such as housekeeping.
func EncodeCCSDS(msgID, sequence uint16, payload []byte) []byte {
	out := make([]byte, PrimaryHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], msgID&streamIDMask)
	binary.BigEndian.PutUint16(out[2:4], 0xC000|sequence&sequenceMask) // unsegmented
	binary.BigEndian.PutUint16(out[4:6], uint16(len(out)-PrimaryHeaderLen-1))
	copy(out[PrimaryHeaderLen:], payload)
	return out
}
