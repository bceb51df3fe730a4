// Package state holds the shared session document: the step-sequencer
// pattern, the serialized mutations that may be applied to it, and the
// canonical fingerprint both sides use for divergence detection.
package state

import "fmt"

// StepsPerTrack fixes the grid width every track shares.
const StepsPerTrack = 16

// Tempo and swing bounds accepted from clients.
const (
	MinTempo = 40.0
	MaxTempo = 300.0
	MaxSwing = 0.75
)

// Step is one cell of the grid. It doubles as the wire value for
// track/<id>/step/<n> intents.
type Step struct {
	Active   bool    `json:"active"`
	Velocity float64 `json:"velocity"`
}

// Track is one instrument row of the pattern.
type Track struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Volume     float64 `json:"volume"`
	SampleURL  string  `json:"sampleUrl,omitempty"`
	Steps      []Step  `json:"steps"`
}

// Pattern is the canonical session document. It is owned exclusively by the
// session coordinator; clients hold optimistic copies.
type Pattern struct {
	Tempo   float64 `json:"tempo"`
	Swing   float64 `json:"swing"`
	Tracks  []Track `json:"tracks"`
	Version uint64  `json:"version"`
}

// Instruments lists the sounds a track may be assigned to.
var Instruments = map[string]struct{}{
	"kick":       {},
	"snare":      {},
	"clap":       {},
	"hat-closed": {},
	"hat-open":   {},
	"tom":        {},
	"cowbell":    {},
	"bass":       {},
	"lead":       {},
	"sampler":    {},
}

// NewPattern builds the default four-track document every fresh session
// starts from.
func NewPattern() *Pattern {
	instruments := []string{"kick", "snare", "hat-closed", "bass"}
	tracks := make([]Track, 0, len(instruments))
	for i, instrument := range instruments {
		tracks = append(tracks, Track{
			ID:         fmt.Sprintf("track-%d", i+1),
			Instrument: instrument,
			Volume:     0.8,
			Steps:      make([]Step, StepsPerTrack),
		})
	}
	return &Pattern{Tempo: 120, Swing: 0, Tracks: tracks}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Tracks = make([]Track, len(p.Tracks))
	for i, track := range p.Tracks {
		copied := track
		copied.Steps = make([]Step, len(track.Steps))
		copy(copied.Steps, track.Steps)
		clone.Tracks[i] = copied
	}
	return &clone
}

// TrackByID returns a pointer into the pattern's track slice.
func (p *Pattern) TrackByID(id string) (*Track, bool) {
	for i := range p.Tracks {
		if p.Tracks[i].ID == id {
			return &p.Tracks[i], true
		}
	}
	return nil, false
}
