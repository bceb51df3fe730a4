// Package client implements the browser-equivalent sync engine: clock
// alignment against the coordinator, outbound mutation tracking, bounded
// offline queueing, reconnection, and hash verification. Everything here
// treats the local pattern as an optimistic projection, never as authority.
package client

import (
	"sync"
	"time"
)

const clockSampleWindow = 8

// Clock estimates the offset between the local clock and the coordinator's
// clock from round-trip probes. Before the first reply completes, callers get
// a zero-offset estimate instead of blocking.
type Clock struct {
	mu     sync.Mutex
	offset time.Duration
	rtts   []time.Duration
	synced bool
}

func NewClock() *Clock {
	return &Clock{rtts: make([]time.Duration, 0, clockSampleWindow)}
}

// Observe folds one probe reply into the estimate:
// offset = serverTime − clientSend − rtt/2.
func (c *Clock) Observe(clientSentMillis, serverMillis int64, receivedAt time.Time) {
	if clientSentMillis <= 0 {
		return
	}
	rtt := receivedAt.Sub(time.UnixMilli(clientSentMillis))
	if rtt < 0 {
		rtt = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Duration(serverMillis-clientSentMillis)*time.Millisecond - rtt/2
	c.rtts = append(c.rtts, rtt)
	if len(c.rtts) > clockSampleWindow {
		c.rtts = c.rtts[len(c.rtts)-clockSampleWindow:]
	}
	c.synced = true
}

// Offset returns the current estimate; zero until the first probe completes.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Synced reports whether at least one probe has completed.
func (c *Clock) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// SmoothedRTT averages the rolling sample window.
func (c *Clock) SmoothedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rtts) == 0 {
		return 0
	}
	var total time.Duration
	for _, rtt := range c.rtts {
		total += rtt
	}
	return total / time.Duration(len(c.rtts))
}

// ToAuthorityTime converts a local timestamp to the coordinator's clock.
// Pure with respect to the current offset.
func (c *Clock) ToAuthorityTime(t time.Time) time.Time {
	return t.Add(c.Offset())
}

// ToLocalTime converts an authority timestamp to the local clock.
func (c *Clock) ToLocalTime(t time.Time) time.Time {
	return t.Add(-c.Offset())
}
