package command

import (
	"context"
	"fmt"
	"log/slog"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/decode"
)

// DefaultCommandMsgID is the message id of commands addressed to the
// ingest application itself.
const DefaultCommandMsgID uint16 = 0x1884

// Function codes of uplinked commands.
const (
	FuncNoop          = 0
	FuncResetCounters = 1
)

// cmdSecondaryHeaderLen is the command secondary header: function code
// followed by a checksum byte.
const cmdSecondaryHeaderLen = 2

// PacketDispatcher turns command packets received over the uplink into
// handler calls. It is subscribed to the bus under the command message id.
type PacketDispatcher struct {
	handler *CommandHandler
}

// NewPacketDispatcher creates a dispatcher for h.
func NewPacketDispatcher(h *CommandHandler) *PacketDispatcher {
	return &PacketDispatcher{handler: h}
}

// HandlePacket implements bus.Handler.
func (d *PacketDispatcher) HandlePacket(pkt core.BusPacket) error {
	method, err := methodFor(pkt)
	if err != nil {
		d.handler.counters.CommandErrorCounter.Add(1)
		slog.Warn("invalid uplinked command", "msg_id", fmt.Sprintf("0x%04X", pkt.MsgID), "error", err)
		return nil
	}

	cmd := Command{Method: method, ID: fmt.Sprintf("uplink-%d", pkt.Sequence)}
	if resp := d.handler.Handle(context.Background(), cmd); resp.Error != nil {
		slog.Warn("uplinked command rejected", "method", method, "error", resp.Error.Message)
	}
	return nil
}

func methodFor(pkt core.BusPacket) (string, error) {
	if pkt.Type != core.PacketCommand || !pkt.SecondaryHeader {
		return "", fmt.Errorf("not a command packet")
	}
	if len(pkt.Data) != decode.PrimaryHeaderLen+cmdSecondaryHeaderLen {
		return "", fmt.Errorf("unexpected length %d", len(pkt.Data))
	}
	switch fc := pkt.Data[decode.PrimaryHeaderLen] & 0x7F; fc {
	case FuncNoop:
		return MethodNoop, nil
	case FuncResetCounters:
		return MethodResetCounters, nil
	default:
		return "", fmt.Errorf("%w: function code %d", core.ErrUnknownCommand, fc)
	}
}
