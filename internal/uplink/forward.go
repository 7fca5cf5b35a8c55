package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
)

// complete decodes the accumulated message and forwards it.
func (p *Pump) complete(ctx context.Context) {
	n := p.buf.MeaningfulLength()

	if _, err := p.staging.Fill(p.buf.Bytes(), n); err != nil {
		p.ingestError(err, "dropping oversized message",
			"len", n,
			"capacity", p.staging.Capacity(),
		)
		p.buf.Reset()
		p.releaseStaging()
		return
	}

	pkt, err := p.cfg.Decoder.Decode(p.staging.Bytes())
	if err != nil {
		if !errors.Is(err, core.ErrDecode) {
			err = fmt.Errorf("%w: %v", core.ErrDecode, err)
		}
		p.ingestError(err, "failed to decode uplink message", "len", n)
		p.buf.Reset()
		p.releaseStaging()
		return
	}

	p.cfg.Counters.IngestPackets.Add(1)
	metrics.IngestPacketsTotal.Inc()

	pkt.ReceivedAt = p.buf.LastAppend()
	pkt.SenderID = p.lastSender
	pkt.SignalStrength = p.lastRSSI

	p.forward(ctx, pkt, 0)
}

// forward publishes pkt. attempts is the number of failed publishes so far.
func (p *Pump) forward(ctx context.Context, pkt core.BusPacket, attempts int) {
	err := p.cfg.Publisher.Publish(ctx, pkt)
	if err == nil {
		slog.Debug("uplink message forwarded",
			"msg_id", fmt.Sprintf("0x%04X", pkt.MsgID),
			"len", len(pkt.Data),
			"seq", pkt.Sequence,
		)
		metrics.MessagesPublishedTotal.Inc()
		p.pending = nil
		p.buf.Reset()
		p.releaseStaging()
		return
	}

	if !errors.Is(err, core.ErrPublish) {
		err = fmt.Errorf("%w: %v", core.ErrPublish, err)
	}
	attempts++
	p.ingestError(err, "ingest failed",
		"msg_id", fmt.Sprintf("0x%04X", pkt.MsgID),
		"attempt", attempts,
		"policy", string(p.cfg.OnPublishFailure),
	)

	exhausted := p.cfg.MaxPublishRetries > 0 && attempts > p.cfg.MaxPublishRetries
	if p.cfg.OnPublishFailure == PublishDrop || exhausted {
		if exhausted {
			slog.Warn("dropping uplink message after publish retries",
				"msg_id", fmt.Sprintf("0x%04X", pkt.MsgID),
				"attempts", attempts,
			)
		}
		p.pending = nil
		p.buf.Reset()
		p.releaseStaging()
		return
	}
	p.pending = &pendingPublish{pkt: pkt, attempts: attempts}
}

// retryPending re-publishes a message the bus refused earlier. It returns
// true once nothing is pending anymore.
func (p *Pump) retryPending(ctx context.Context) bool {
	pending := p.pending
	p.forward(ctx, pending.pkt, pending.attempts)
	return p.pending == nil
}

// ingestError counts and logs one ingest failure.
func (p *Pump) ingestError(err error, msg string, attrs ...any) {
	p.cfg.Counters.IngestErrors.Add(1)
	kind := core.ErrorKind(err)
	metrics.IngestErrorsTotal.WithLabelValues(kind).Inc()
	slog.Warn(msg, append([]any{"kind", kind, "error", err}, attrs...)...)
}
