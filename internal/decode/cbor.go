package decode

import (
	"github.com/fxamacker/cbor/v2"

	"firestige.xyz/cilab/internal/core"
)

// CBOROptions configures the CBOR envelope decoder.
type CBOROptions struct {
	MaxDataSize int `mapstructure:"max_data_size"` // 0 = no limit
}

// Envelope is the ground-test uplink format: a CBOR map carrying the bus
// message id, a sequence number and the raw payload.
type Envelope struct {
	MsgID    uint16 `cbor:"mid"`
	Sequence uint16 `cbor:"seq"`
	Command  bool   `cbor:"cmd,omitempty"`
	Data     []byte `cbor:"data"`
}

// CBOR decodes Envelope messages. Trailing bytes after the first CBOR item
// are ignored.
type CBOR struct {
	opts CBOROptions
	dm   cbor.DecMode
}

// NewCBOR creates a CBOR envelope decoder.
func NewCBOR(opts CBOROptions) (*CBOR, error) {
	dm, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{opts: opts, dm: dm}, nil
}

func (d *CBOR) Name() string { return "cbor" }

func (d *CBOR) Decode(data []byte) (core.BusPacket, error) {
	var env Envelope
	if _, err := d.dm.UnmarshalFirst(data, &env); err != nil {
		return core.BusPacket{}, decodeErr("cbor envelope: %v", err)
	}
	if env.MsgID == 0 {
		return core.BusPacket{}, decodeErr("cbor envelope without message id")
	}
	if d.opts.MaxDataSize > 0 && len(env.Data) > d.opts.MaxDataSize {
		return core.BusPacket{}, decodeErr("cbor payload %d bytes exceeds limit %d", len(env.Data), d.opts.MaxDataSize)
	}

	pktType := core.PacketTelemetry
	if env.Command {
		pktType = core.PacketCommand
	}
	return core.BusPacket{
		MsgID:    env.MsgID,
		APID:     env.MsgID & apidMask,
		Type:     pktType,
		Sequence: env.Sequence,
		Data:     env.Data,
	}, nil
}
