package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jamgrid/internal/state"
)

func trackPending(t *testing.T, tr *Tracker, seq uint64, target, value string, sentAt time.Time) {
	t.Helper()
	tr.Track(seq, target, json.RawMessage(value), sentAt, sentAt)
}

func TestTrackerConfirmOnEcho(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `140`, now)

	res, ok := tr.Confirm(1, now.Add(50*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, "tempo", res.Target)
	assert.Equal(t, 0, tr.Stats(now).Pending)

	// A second resolution for the same seq must not happen.
	_, ok = tr.Confirm(1, now)
	assert.False(t, ok)
}

func TestTrackerSupersededByOtherPlayer(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `140`, now)
	trackPending(t, tr, 2, "swing", `0.2`, now)

	resolved := tr.ObserveEffect("tempo", now.Add(time.Millisecond))
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeSuperseded, resolved[0].Outcome)
	assert.Equal(t, uint64(1), resolved[0].Seq)

	// The unrelated pending survives, and the superseded one is gone for
	// good: a later snapshot cannot turn it into a violation.
	stats := tr.Stats(now)
	assert.Equal(t, 1, stats.Pending)
}

func TestTrackerSnapshotContradiction(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `140`, now.Add(-time.Second))

	p := state.NewPattern()
	p.Tempo = 90

	violations, resolved := tr.ObserveSnapshot(p, now, SnapshotContext{RTT: 40 * time.Millisecond, Connected: true, PlayerCount: 3})
	require.Len(t, violations, 1)
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeLostContradiction, resolved[0].Outcome)

	v := violations[0]
	assert.Equal(t, "tempo", v.Target)
	assert.JSONEq(t, `140`, string(v.Intended))
	assert.JSONEq(t, `90`, string(v.Actual))
	assert.True(t, v.Connected)
	assert.Equal(t, 3, v.PlayerCount)
	assert.Equal(t, 0, tr.Stats(now).Pending)
}

func TestTrackerSnapshotConfirmsMatchingValue(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "track/track-1/step/2", `{"active":true,"velocity":0.8}`, now)

	p := state.NewPattern()
	p.Tracks[0].Steps[2] = state.Step{Active: true, Velocity: 0.8}

	violations, resolved := tr.ObserveSnapshot(p, now, SnapshotContext{})
	assert.Empty(t, violations)
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeConfirmed, resolved[0].Outcome)
}

func TestTrackerSnapshotEquivalentEncodings(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	// 0.80 and 0.8 encode differently but mean the same value.
	trackPending(t, tr, 1, "track/track-1/volume", `0.80`, now)

	p := state.NewPattern()
	p.Tracks[0].Volume = 0.8

	violations, _ := tr.ObserveSnapshot(p, now, SnapshotContext{})
	assert.Empty(t, violations)
}

func TestTrackerTimeout(t *testing.T) {
	tr := NewTracker(100 * time.Millisecond)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `140`, now)
	trackPending(t, tr, 2, "swing", `0.1`, now.Add(90*time.Millisecond))

	resolved := tr.SweepTimeouts(now.Add(120 * time.Millisecond))
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeLostTimeout, resolved[0].Outcome)
	assert.Equal(t, uint64(1), resolved[0].Seq)
	assert.Equal(t, 1, tr.Stats(now).Pending)
}

func TestTrackerReject(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `500`, now)

	res, ok := tr.Reject(1, now)
	require.True(t, ok)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 0, tr.Stats(now).Pending)
}

func TestTrackerStatsDerived(t *testing.T) {
	tr := NewTracker(10 * time.Second)
	now := time.Now()
	trackPending(t, tr, 1, "tempo", `140`, now.Add(-2*time.Second))
	trackPending(t, tr, 2, "swing", `0.1`, now.Add(-time.Second))

	stats := tr.Stats(now)
	assert.Equal(t, 2, stats.Pending)
	assert.InDelta(t, float64(2*time.Second), float64(stats.Oldest), float64(10*time.Millisecond))

	tr.Confirm(1, now)
	assert.Equal(t, 1, tr.Stats(now).Pending)
}
