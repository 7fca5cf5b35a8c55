// Package link tracks the radio senders heard on the uplink.
package link

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/metrics"
)

const (
	defaultSenderTTL = 5 * time.Minute
	defaultCleanup   = time.Minute
)

// Sender is the link state of one transmitter.
type Sender struct {
	ID        int       `json:"id" yaml:"id"`
	LastRSSI  int       `json:"last_rssi" yaml:"last_rssi"`
	MinRSSI   int       `json:"min_rssi" yaml:"min_rssi"`
	MaxRSSI   int       `json:"max_rssi" yaml:"max_rssi"`
	Frames    uint64    `json:"frames" yaml:"frames"`
	Bytes     uint64    `json:"bytes" yaml:"bytes"`
	FirstSeen time.Time `json:"first_seen" yaml:"first_seen"`
	LastSeen  time.Time `json:"last_seen" yaml:"last_seen"`
}

// Tracker keeps per-sender link statistics. Senders silent for longer than
// the TTL are forgotten. It implements the pump's frame observer.
type Tracker struct {
	ttl     time.Duration
	senders *cache.Cache // sender id -> *Sender
}

// NewTracker creates a tracker; ttl <= 0 selects the default.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultSenderTTL
	}
	cleanup := defaultCleanup
	if ttl < cleanup {
		cleanup = ttl
	}

	c := cache.New(ttl, cleanup)
	c.OnEvicted(func(key string, _ any) {
		metrics.LinkRSSI.DeleteLabelValues(key)
		slog.Info("radio sender expired", "sender", key)
	})
	return &Tracker{ttl: ttl, senders: c}
}

// ObserveFrame records one received frame. The pump calls it from a single
// goroutine; readers only see copies.
func (t *Tracker) ObserveFrame(f core.Frame) {
	key := strconv.Itoa(f.SenderID)
	seen := f.ReceivedAt
	if seen.IsZero() {
		seen = time.Now()
	}

	var s Sender
	if cached, found := t.senders.Get(key); found {
		s = cached.(Sender)
	} else {
		s = Sender{ID: f.SenderID, MinRSSI: f.SignalStrength, MaxRSSI: f.SignalStrength, FirstSeen: seen}
		slog.Info("new radio sender", "sender", f.SenderID, "rssi", f.SignalStrength)
	}

	s.LastRSSI = f.SignalStrength
	s.MinRSSI = min(s.MinRSSI, f.SignalStrength)
	s.MaxRSSI = max(s.MaxRSSI, f.SignalStrength)
	s.Frames++
	s.Bytes += uint64(len(f.Bytes()))
	s.LastSeen = seen

	t.senders.Set(key, s, t.ttl)
	metrics.LinkRSSI.WithLabelValues(key).Set(float64(f.SignalStrength))
}

// Lookup returns the state of one sender.
func (t *Tracker) Lookup(id int) (Sender, bool) {
	cached, found := t.senders.Get(strconv.Itoa(id))
	if !found {
		return Sender{}, false
	}
	return cached.(Sender), true
}

// Snapshot returns every live sender ordered by id.
func (t *Tracker) Snapshot() []Sender {
	items := t.senders.Items()
	out := make([]Sender, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Sender))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live senders.
func (t *Tracker) Len() int {
	return t.senders.ItemCount()
}

// Flush forgets every sender.
func (t *Tracker) Flush() {
	for _, s := range t.Snapshot() {
		metrics.LinkRSSI.DeleteLabelValues(strconv.Itoa(s.ID))
	}
	t.senders.Flush()
}
