package core

import "sync/atomic"

// IngestCounters holds the housekeeping counters of the ingest task.
// Counters only grow until Reset is called.
type IngestCounters struct {
	CommandCounter      atomic.Uint32
	CommandErrorCounter atomic.Uint32
	IngestPackets       atomic.Uint32
	IngestErrors        atomic.Uint32
}

// CounterSnapshot is a point-in-time copy of IngestCounters.
type CounterSnapshot struct {
	CommandCounter      uint32 `json:"command_counter" yaml:"command_counter"`
	CommandErrorCounter uint32 `json:"command_error_counter" yaml:"command_error_counter"`
	IngestPackets       uint32 `json:"ingest_packets" yaml:"ingest_packets"`
	IngestErrors        uint32 `json:"ingest_errors" yaml:"ingest_errors"`
}

// Snapshot returns the current counter values.
func (c *IngestCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		CommandCounter:      c.CommandCounter.Load(),
		CommandErrorCounter: c.CommandErrorCounter.Load(),
		IngestPackets:       c.IngestPackets.Load(),
		IngestErrors:        c.IngestErrors.Load(),
	}
}

// Reset sets all four counters to zero.
func (c *IngestCounters) Reset() {
	c.CommandCounter.Store(0)
	c.CommandErrorCounter.Store(0)
	c.IngestPackets.Store(0)
	c.IngestErrors.Store(0)
}
