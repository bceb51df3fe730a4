package client

import (
	"encoding/json"
	"sync"
	"time"
)

// QueuedIntent is a mutation captured while disconnected, held for replay.
type QueuedIntent struct {
	Target     string
	Value      json.RawMessage
	EnqueuedAt time.Time
}

// OfflineQueue buffers intents issued with no live connection. Bounded by
// count and by age; when full, the oldest entry is dropped first. Replay
// preserves original order.
type OfflineQueue struct {
	mu         sync.Mutex
	entries    []QueuedIntent
	maxEntries int
	maxAge     time.Duration
	dropped    uint64
}

func NewOfflineQueue(maxEntries int, maxAge time.Duration) *OfflineQueue {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &OfflineQueue{maxEntries: maxEntries, maxAge: maxAge}
}

// Push appends an intent, evicting the oldest entry if the queue is full.
// Returns the number of entries dropped to make room.
func (q *OfflineQueue) Push(target string, value json.RawMessage, now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var droppedNow int
	for len(q.entries) >= q.maxEntries {
		q.entries = q.entries[1:]
		droppedNow++
	}
	q.dropped += uint64(droppedNow)
	q.entries = append(q.entries, QueuedIntent{Target: target, Value: value, EnqueuedAt: now})
	return droppedNow
}

// Drain empties the queue, discarding entries past the age bound, and
// returns the survivors in enqueue order.
func (q *OfflineQueue) Drain(now time.Time) []QueuedIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := now.Add(-q.maxAge)
	var live []QueuedIntent
	for _, e := range q.entries {
		if e.EnqueuedAt.Before(cutoff) {
			q.dropped++
			continue
		}
		live = append(live, e)
	}
	q.entries = nil
	return live
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped is the cumulative number of entries discarded by bounds.
func (q *OfflineQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
