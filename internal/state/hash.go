package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// canonicalTrack mirrors Track with a fixed field order and no omitempty so
// the encoded form depends only on logical content.
type canonicalTrack struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Volume     float64 `json:"volume"`
	SampleURL  string  `json:"sampleUrl"`
	Steps      []Step  `json:"steps"`
}

type canonicalDoc struct {
	Tempo  float64          `json:"tempo"`
	Swing  float64          `json:"swing"`
	Tracks []canonicalTrack `json:"tracks"`
}

// Canonicalize renders the pattern's logical content in an order-independent
// byte form: tracks sorted by ID, fixed field order, no version counter and
// no client-local fields. Equal logical state always yields equal bytes.
func Canonicalize(p *Pattern) []byte {
	doc := canonicalDoc{Tempo: p.Tempo, Swing: p.Swing}
	doc.Tracks = make([]canonicalTrack, 0, len(p.Tracks))
	for _, track := range p.Tracks {
		steps := make([]Step, len(track.Steps))
		copy(steps, track.Steps)
		doc.Tracks = append(doc.Tracks, canonicalTrack{
			ID:         track.ID,
			Instrument: track.Instrument,
			Volume:     track.Volume,
			SampleURL:  track.SampleURL,
			Steps:      steps,
		})
	}
	sort.Slice(doc.Tracks, func(i, j int) bool { return doc.Tracks[i].ID < doc.Tracks[j].ID })

	// Marshal of a map-free struct tree is deterministic.
	data, err := json.Marshal(doc)
	if err != nil {
		// The doc contains only strings, bools and floats; Marshal cannot
		// fail on it unless a float is NaN, which the bounds checks forbid.
		panic(fmt.Sprintf("canonicalize pattern: %v", err))
	}
	return data
}

// Fingerprint hashes the canonical form into the fixed-width hex digest
// exchanged in hashProbe frames.
func Fingerprint(p *Pattern) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(Canonicalize(p)))
}
