// Package telemetry exposes lock-free counters for the diagnostics endpoint.
package telemetry

import "sync/atomic"

// Counters accumulates totals across every live session. All methods are safe
// for concurrent use.
type Counters struct {
	broadcastFrames    atomic.Uint64
	broadcastBytes     atomic.Uint64
	intentsApplied     atomic.Uint64
	intentsRejected    atomic.Uint64
	prunedConnections  atomic.Uint64
	sendQueueOverflows atomic.Uint64
	resyncSnapshots    atomic.Uint64
	hashProbes         atomic.Uint64
	sessionsEvicted    atomic.Uint64
}

// Snapshot is the JSON form served by /diagnostics.
type Snapshot struct {
	BroadcastFrames    uint64 `json:"broadcastFrames"`
	BroadcastBytes     uint64 `json:"broadcastBytes"`
	IntentsApplied     uint64 `json:"intentsApplied"`
	IntentsRejected    uint64 `json:"intentsRejected"`
	PrunedConnections  uint64 `json:"prunedConnections"`
	SendQueueOverflows uint64 `json:"sendQueueOverflows"`
	ResyncSnapshots    uint64 `json:"resyncSnapshots"`
	HashProbes         uint64 `json:"hashProbes"`
	SessionsEvicted    uint64 `json:"sessionsEvicted"`
}

func NewCounters() *Counters { return &Counters{} }

// RecordBroadcast notes one fan-out of a frame to a set of connections.
func (c *Counters) RecordBroadcast(bytes, connections int) {
	if c == nil {
		return
	}
	if bytes < 0 {
		bytes = 0
	}
	if connections < 0 {
		connections = 0
	}
	c.broadcastFrames.Add(uint64(connections))
	c.broadcastBytes.Add(uint64(bytes) * uint64(connections))
}

func (c *Counters) IncrementIntentApplied() {
	if c != nil {
		c.intentsApplied.Add(1)
	}
}

func (c *Counters) IncrementIntentRejected() {
	if c != nil {
		c.intentsRejected.Add(1)
	}
}

func (c *Counters) IncrementPruned() {
	if c != nil {
		c.prunedConnections.Add(1)
	}
}

func (c *Counters) IncrementSendQueueOverflow() {
	if c != nil {
		c.sendQueueOverflows.Add(1)
	}
}

func (c *Counters) IncrementResyncSnapshot() {
	if c != nil {
		c.resyncSnapshots.Add(1)
	}
}

func (c *Counters) IncrementHashProbe() {
	if c != nil {
		c.hashProbes.Add(1)
	}
}

func (c *Counters) IncrementSessionEvicted() {
	if c != nil {
		c.sessionsEvicted.Add(1)
	}
}

// SnapshotCounters copies the counter values for serving.
func (c *Counters) SnapshotCounters() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		BroadcastFrames:    c.broadcastFrames.Load(),
		BroadcastBytes:     c.broadcastBytes.Load(),
		IntentsApplied:     c.intentsApplied.Load(),
		IntentsRejected:    c.intentsRejected.Load(),
		PrunedConnections:  c.prunedConnections.Load(),
		SendQueueOverflows: c.sendQueueOverflows.Load(),
		ResyncSnapshots:    c.resyncSnapshots.Load(),
		HashProbes:         c.hashProbes.Load(),
		SessionsEvicted:    c.sessionsEvicted.Load(),
	}
}
