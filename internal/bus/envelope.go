package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/cilab/internal/core"
)

// Envelope is the external representation of a bus packet.
type Envelope struct {
	Node            string    `json:"node"`
	MsgID           uint16    `json:"msg_id"`
	APID            uint16    `json:"apid"`
	Type            string    `json:"type"`
	Sequence        uint16    `json:"seq"`
	SecondaryHeader bool      `json:"sec_hdr"`
	ReceivedAt      time.Time `json:"received_at"`
	SenderID        int       `json:"sender_id"`
	SignalStrength  int       `json:"rssi"`
	Data            []byte    `json:"data"`
}

// NewEnvelope wraps pkt for transport.
func NewEnvelope(node string, pkt core.BusPacket) Envelope {
	return Envelope{
		Node:            node,
		MsgID:           pkt.MsgID,
		APID:            pkt.APID,
		Type:            pkt.Type.String(),
		Sequence:        pkt.Sequence,
		SecondaryHeader: pkt.SecondaryHeader,
		ReceivedAt:      pkt.ReceivedAt,
		SenderID:        pkt.SenderID,
		SignalStrength:  pkt.SignalStrength,
		Data:            pkt.Data,
	}
}

// Packet converts the envelope back to a bus packet.
func (e Envelope) Packet() core.BusPacket {
	t := core.PacketTelemetry
	if e.Type == core.PacketCommand.String() {
		t = core.PacketCommand
	}
	return core.BusPacket{
		MsgID:           e.MsgID,
		APID:            e.APID,
		Type:            t,
		Sequence:        e.Sequence,
		SecondaryHeader: e.SecondaryHeader,
		Data:            e.Data,
		ReceivedAt:      e.ReceivedAt,
		SenderID:        e.SenderID,
		SignalStrength:  e.SignalStrength,
	}
}

// Encoding selects the envelope wire format.
type Encoding string

const (
	EncodingJSON     Encoding = "json"
	EncodingProtobuf Encoding = "protobuf"
)

// Protobuf field numbers of the envelope message.
const (
	fieldNode           protowire.Number = 1
	fieldMsgID          protowire.Number = 2
	fieldAPID           protowire.Number = 3
	fieldCommand        protowire.Number = 4
	fieldSequence       protowire.Number = 5
	fieldSecondaryHdr   protowire.Number = 6
	fieldReceivedAtNano protowire.Number = 7
	fieldSenderID       protowire.Number = 8
	fieldSignalStrength protowire.Number = 9
	fieldData           protowire.Number = 10
)

// Marshal encodes the envelope.
func (e Envelope) Marshal(enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(e)
	case EncodingProtobuf:
		return e.appendProto(nil), nil
	default:
		return nil, fmt.Errorf("unknown envelope encoding %q", enc)
	}
}

func (e Envelope) appendProto(b []byte) []byte {
	if e.Node != "" {
		b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
		b = protowire.AppendString(b, e.Node)
	}
	b = protowire.AppendTag(b, fieldMsgID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.MsgID))
	b = protowire.AppendTag(b, fieldAPID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.APID))
	if e.Type == core.PacketCommand.String() {
		b = protowire.AppendTag(b, fieldCommand, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Sequence))
	if e.SecondaryHeader {
		b = protowire.AppendTag(b, fieldSecondaryHdr, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if !e.ReceivedAt.IsZero() {
		b = protowire.AppendTag(b, fieldReceivedAtNano, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ReceivedAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldSenderID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SenderID))
	b = protowire.AppendTag(b, fieldSignalStrength, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.SignalStrength)))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	return protowire.AppendBytes(b, e.Data)
}

// UnmarshalEnvelope decodes an envelope. Unknown protobuf fields are skipped.
func UnmarshalEnvelope(enc Encoding, data []byte) (Envelope, error) {
	var e Envelope
	switch enc {
	case EncodingJSON, "":
		err := json.Unmarshal(data, &e)
		return e, err
	case EncodingProtobuf:
		return e, e.consumeProto(data)
	default:
		return e, fmt.Errorf("unknown envelope encoding %q", enc)
	}
}

func (e *Envelope) consumeProto(b []byte) error {
	e.Type = core.PacketTelemetry.String()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldNode || num == fieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if num == fieldNode {
				e.Node = string(v)
			} else {
				e.Data = append([]byte(nil), v...)
			}
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.setVarint(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (e *Envelope) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldMsgID:
		e.MsgID = uint16(v)
	case fieldAPID:
		e.APID = uint16(v)
	case fieldCommand:
		if v != 0 {
			e.Type = core.PacketCommand.String()
		}
	case fieldSequence:
		e.Sequence = uint16(v)
	case fieldSecondaryHdr:
		e.SecondaryHeader = v != 0
	case fieldReceivedAtNano:
		e.ReceivedAt = time.Unix(0, int64(v)).UTC()
	case fieldSenderID:
		e.SenderID = int(v)
	case fieldSignalStrength:
		e.SignalStrength = int(protowire.DecodeZigZag(v))
	}
}
