package session

import (
	"encoding/json"
	"time"
)

// effectRecord is one applied intent retained for diagnostics and for the
// resync policy's bookkeeping window.
type effectRecord struct {
	Version    uint64          `json:"version"`
	Target     string          `json:"target"`
	Value      json.RawMessage `json:"value"`
	PlayerID   string          `json:"playerId"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// journal keeps a rolling buffer of recent effects bounded by count and age.
// It is owned by the coordinator goroutine; no locking needed.
type journal struct {
	entries    []effectRecord
	maxEntries int
	maxAge     time.Duration
	policy     *resyncPolicy
}

func newJournal(maxEntries int, maxAge time.Duration) *journal {
	if maxEntries < 0 {
		maxEntries = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &journal{
		entries:    make([]effectRecord, 0, maxEntries),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		policy:     newResyncPolicy(),
	}
}

// Append records an effect and evicts expired or overflowing entries,
// oldest first.
func (j *journal) Append(record effectRecord) {
	if j.maxEntries == 0 {
		return
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now()
	}
	j.entries = append(j.entries, record)

	if j.maxAge > 0 {
		cutoff := record.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.entries) && j.entries[idx].RecordedAt.Before(cutoff) {
			idx++
		}
		if idx > 0 {
			copy(j.entries, j.entries[idx:])
			j.entries = j.entries[:len(j.entries)-idx]
		}
	}

	if overflow := len(j.entries) - j.maxEntries; overflow > 0 {
		copy(j.entries, j.entries[overflow:])
		j.entries = j.entries[:len(j.entries)-overflow]
	}
}

// Recent returns a copy of the buffered effects in chronological order.
func (j *journal) Recent() []effectRecord {
	if len(j.entries) == 0 {
		return nil
	}
	out := make([]effectRecord, len(j.entries))
	copy(out, j.entries)
	return out
}

// Size reports the current buffer length.
func (j *journal) Size() int { return len(j.entries) }

// resyncPolicy turns delivery drops into a hint that every connected client
// should receive a fresh snapshot. Counters reset on each consumption so the
// coordinator re-evaluates over the following window.
type resyncPolicy struct {
	totalDeliveries uint64
	drops           uint64
	pending         bool
}

const dropThresholdPerTenThousand = 1

func newResyncPolicy() *resyncPolicy { return &resyncPolicy{} }

func (p *resyncPolicy) noteDelivery() {
	if p == nil {
		return
	}
	if p.totalDeliveries == ^uint64(0) {
		p.totalDeliveries /= 2
		p.drops /= 2
	}
	p.totalDeliveries++
}

func (p *resyncPolicy) noteDrop() {
	if p == nil {
		return
	}
	p.drops++
	p.evaluate()
}

func (p *resyncPolicy) evaluate() {
	if p == nil || p.pending || p.drops == 0 {
		return
	}
	total := p.totalDeliveries
	if total == 0 {
		total = 1
	}
	if p.drops*10000 >= total*dropThresholdPerTenThousand {
		p.pending = true
	}
}

// consume reports whether a resync is due and resets the window.
func (p *resyncPolicy) consume() bool {
	if p == nil || !p.pending {
		return false
	}
	p.pending = false
	p.totalDeliveries = 0
	p.drops = 0
	return true
}
