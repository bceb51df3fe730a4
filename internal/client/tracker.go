package client

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"jamgrid/internal/state"
)

// Outcome is the terminal resolution of a tracked mutation.
type Outcome string

const (
	OutcomeConfirmed         Outcome = "confirmed"
	OutcomeSuperseded        Outcome = "superseded"
	OutcomeRejected          Outcome = "rejected"
	OutcomeLostContradiction Outcome = "lost_contradiction"
	OutcomeLostTimeout       Outcome = "lost_timeout"
)

// Resolution reports a mutation leaving the pending set. Each tracked
// mutation produces exactly one Resolution.
type Resolution struct {
	Seq     uint64
	Target  string
	Outcome Outcome
	Elapsed time.Duration
}

// Violation carries the diagnostic context for a confirmed loss: a snapshot
// contradicted a pending mutation that was never superseded.
type Violation struct {
	Seq         uint64
	Target      string
	Intended    json.RawMessage
	Actual      json.RawMessage
	Elapsed     time.Duration
	RTT         time.Duration
	Connected   bool
	PlayerCount int
}

// SnapshotContext is the connection state captured alongside a snapshot,
// attached to any violations it exposes.
type SnapshotContext struct {
	RTT         time.Duration
	Connected   bool
	PlayerCount int
}

// Stats summarizes the live pending set. Always derived by iteration.
type Stats struct {
	Pending int
	Oldest  time.Duration
}

type pendingMutation struct {
	seq           uint64
	target        string
	value         json.RawMessage
	sentAt        time.Time
	authorityTime time.Time
}

// Tracker follows every outbound mutation from send to resolution. An entry
// is pending exactly while it sits in the live set; resolving it removes it,
// so no mutation can hold two states at once.
type Tracker struct {
	mu         sync.Mutex
	pending    map[uint64]*pendingMutation
	waitWindow time.Duration
}

func NewTracker(waitWindow time.Duration) *Tracker {
	if waitWindow <= 0 {
		waitWindow = 10 * time.Second
	}
	return &Tracker{
		pending:    make(map[uint64]*pendingMutation),
		waitWindow: waitWindow,
	}
}

// Track registers an outbound mutation as pending.
func (t *Tracker) Track(seq uint64, target string, value json.RawMessage, sentAt, authorityTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[seq] = &pendingMutation{
		seq:           seq,
		target:        target,
		value:         value,
		sentAt:        sentAt,
		authorityTime: authorityTime,
	}
}

// Confirm resolves the mutation whose effect echo carried seq.
func (t *Tracker) Confirm(seq uint64, now time.Time) (Resolution, bool) {
	return t.resolve(seq, OutcomeConfirmed, now)
}

// Reject resolves a mutation the coordinator explicitly refused.
func (t *Tracker) Reject(seq uint64, now time.Time) (Resolution, bool) {
	return t.resolve(seq, OutcomeRejected, now)
}

func (t *Tracker) resolve(seq uint64, outcome Outcome, now time.Time) (Resolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.pending[seq]
	if !ok {
		return Resolution{}, false
	}
	delete(t.pending, seq)
	return Resolution{Seq: seq, Target: m.target, Outcome: outcome, Elapsed: now.Sub(m.sentAt)}, true
}

// ObserveEffect handles a broadcast effect from another player. Any pending
// mutation on the same target is superseded: last write wins, so the local
// one can no longer become the surviving value.
func (t *Tracker) ObserveEffect(target string, now time.Time) []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()
	var resolved []Resolution
	for seq, m := range t.pending {
		if m.target != target {
			continue
		}
		delete(t.pending, seq)
		resolved = append(resolved, Resolution{Seq: seq, Target: m.target, Outcome: OutcomeSuperseded, Elapsed: now.Sub(m.sentAt)})
	}
	return resolved
}

// ObserveSnapshot reconciles the pending set against an authoritative
// snapshot. A pending mutation the snapshot contradicts is a confirmed loss;
// one the snapshot already reflects was applied and its echo missed, so it
// resolves as confirmed.
func (t *Tracker) ObserveSnapshot(p *state.Pattern, now time.Time, sctx SnapshotContext) ([]Violation, []Resolution) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var violations []Violation
	var resolved []Resolution
	for seq, m := range t.pending {
		actual, ok := p.ValueAt(m.target)
		if !ok {
			// Target no longer resolvable, e.g. track removed by a
			// snapshot restore. Treat as contradicted.
			delete(t.pending, seq)
			resolved = append(resolved, Resolution{Seq: seq, Target: m.target, Outcome: OutcomeLostContradiction, Elapsed: now.Sub(m.sentAt)})
			violations = append(violations, Violation{
				Seq:         seq,
				Target:      m.target,
				Intended:    m.value,
				Elapsed:     now.Sub(m.sentAt),
				RTT:         sctx.RTT,
				Connected:   sctx.Connected,
				PlayerCount: sctx.PlayerCount,
			})
			continue
		}
		actualJSON, err := json.Marshal(actual)
		if err != nil {
			continue
		}
		if valuesEqual(m.value, actualJSON) {
			delete(t.pending, seq)
			resolved = append(resolved, Resolution{Seq: seq, Target: m.target, Outcome: OutcomeConfirmed, Elapsed: now.Sub(m.sentAt)})
			continue
		}
		delete(t.pending, seq)
		resolved = append(resolved, Resolution{Seq: seq, Target: m.target, Outcome: OutcomeLostContradiction, Elapsed: now.Sub(m.sentAt)})
		violations = append(violations, Violation{
			Seq:         seq,
			Target:      m.target,
			Intended:    m.value,
			Actual:      actualJSON,
			Elapsed:     now.Sub(m.sentAt),
			RTT:         sctx.RTT,
			Connected:   sctx.Connected,
			PlayerCount: sctx.PlayerCount,
		})
	}
	return violations, resolved
}

// SweepTimeouts resolves pendings older than the wait window as lost.
func (t *Tracker) SweepTimeouts(now time.Time) []Resolution {
	t.mu.Lock()
	defer t.mu.Unlock()
	var resolved []Resolution
	for seq, m := range t.pending {
		if now.Sub(m.sentAt) < t.waitWindow {
			continue
		}
		delete(t.pending, seq)
		resolved = append(resolved, Resolution{Seq: seq, Target: m.target, Outcome: OutcomeLostTimeout, Elapsed: now.Sub(m.sentAt)})
	}
	return resolved
}

// Stats walks the live set; nothing is cached.
func (t *Tracker) Stats(now time.Time) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Pending: len(t.pending)}
	for _, m := range t.pending {
		if age := now.Sub(m.sentAt); age > s.Oldest {
			s.Oldest = age
		}
	}
	return s
}

// valuesEqual compares two JSON encodings structurally, so 0.8 and 0.80
// or reordered object keys still match.
func valuesEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
