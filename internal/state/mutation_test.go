package state

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMutationBounds(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		value   string
		wantErr error
	}{
		{"tempo ok", "tempo", `140`, nil},
		{"tempo min", "tempo", `40`, nil},
		{"tempo below min", "tempo", `39.9`, ErrOutOfRange},
		{"tempo above max", "tempo", `301`, ErrOutOfRange},
		{"tempo not a number", "tempo", `"fast"`, ErrBadPayload},
		{"swing ok", "swing", `0.33`, nil},
		{"swing negative", "swing", `-0.1`, ErrOutOfRange},
		{"swing above max", "swing", `0.76`, ErrOutOfRange},
		{"step ok", "track/track-1/step/0", `{"active":true,"velocity":0.9}`, nil},
		{"step last index", "track/track-1/step/15", `{"active":true,"velocity":1}`, nil},
		{"step index past grid", "track/track-1/step/16", `{"active":true,"velocity":1}`, ErrOutOfRange},
		{"step negative index", "track/track-1/step/-1", `{"active":true,"velocity":1}`, ErrOutOfRange},
		{"step velocity above one", "track/track-1/step/0", `{"active":true,"velocity":1.5}`, ErrOutOfRange},
		{"step wrong shape", "track/track-1/step/0", `true`, ErrBadPayload},
		{"volume ok", "track/track-2/volume", `0.5`, nil},
		{"volume above one", "track/track-2/volume", `1.01`, ErrOutOfRange},
		{"instrument ok", "track/track-1/instrument", `"cowbell"`, nil},
		{"instrument unknown", "track/track-1/instrument", `"theremin"`, ErrOutOfRange},
		{"sample ok", "track/track-1/sample", `"https://example.com/kick.wav"`, nil},
		{"sample empty", "track/track-1/sample", `""`, ErrBadPayload},
		{"unknown root target", "volume", `0.5`, ErrUnknownTarget},
		{"unknown track field", "track/track-1/pan", `0.5`, ErrUnknownTarget},
		{"empty track id", "track//volume", `0.5`, ErrUnknownTarget},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMutation(tc.target, json.RawMessage(tc.value))
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v, want %v", err, tc.wantErr)
		})
	}
}

func TestApplyUnknownTrack(t *testing.T) {
	p := NewPattern()
	mut, err := ParseMutation("track/track-99/volume", json.RawMessage(`0.5`))
	require.NoError(t, err)

	before := p.Version
	err = p.Apply(mut)
	require.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, before, p.Version, "failed apply must not bump the version")
}

func TestApplyBumpsVersion(t *testing.T) {
	p := NewPattern()
	mut, err := ParseMutation("tempo", json.RawMessage(`150`))
	require.NoError(t, err)
	require.NoError(t, p.Apply(mut))
	assert.Equal(t, uint64(1), p.Version)
	assert.Equal(t, 150.0, p.Tempo)
}

func TestApplyDeterministic(t *testing.T) {
	intents := []struct {
		target string
		value  string
	}{
		{"tempo", `150`},
		{"track/track-1/step/0", `{"active":true,"velocity":1}`},
		{"track/track-1/step/4", `{"active":true,"velocity":0.7}`},
		{"swing", `0.25`},
		{"track/track-2/volume", `0.6`},
		{"track/track-3/instrument", `"hat-open"`},
		{"tempo", `90`},
	}

	a, b := NewPattern(), NewPattern()
	for _, intent := range intents {
		mut, err := ParseMutation(intent.target, json.RawMessage(intent.value))
		require.NoError(t, err)
		require.NoError(t, a.Apply(mut))
		require.NoError(t, b.Apply(mut))
	}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, 90.0, a.Tempo, "last write wins")
}

func TestValueAt(t *testing.T) {
	p := NewPattern()
	mut, err := ParseMutation("track/track-1/step/3", json.RawMessage(`{"active":true,"velocity":0.4}`))
	require.NoError(t, err)
	require.NoError(t, p.Apply(mut))

	tempo, ok := p.ValueAt("tempo")
	require.True(t, ok)
	assert.Equal(t, 120.0, tempo)

	step, ok := p.ValueAt("track/track-1/step/3")
	require.True(t, ok)
	assert.Equal(t, Step{Active: true, Velocity: 0.4}, step)

	_, ok = p.ValueAt("track/missing/volume")
	assert.False(t, ok)

	_, ok = p.ValueAt("nonsense")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	p := NewPattern()
	clone := p.Clone()
	clone.Tracks[0].Steps[0] = Step{Active: true, Velocity: 1}
	clone.Tracks[0].Volume = 0.1

	assert.False(t, p.Tracks[0].Steps[0].Active)
	assert.Equal(t, 0.8, p.Tracks[0].Volume)
}
