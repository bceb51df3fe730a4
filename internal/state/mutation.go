package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mutation classification errors. The coordinator maps these onto wire
// rejection reasons; nothing below ever panics on client input.
var (
	ErrUnknownTarget = errors.New("unknown mutation target")
	ErrBadPayload    = errors.New("malformed mutation payload")
	ErrOutOfRange    = errors.New("mutation value out of range")
)

// Mutation is the tagged union of every state change a client may request.
// The coordinator matches exhaustively; an unrecognized variant never applies.
type Mutation interface {
	// Target returns the path string the mutation addresses.
	Target() string
	mutation()
}

// SetTempo changes the session tempo in BPM.
type SetTempo struct{ BPM float64 }

// SetSwing changes the session swing amount.
type SetSwing struct{ Amount float64 }

// SetStep toggles or re-weights one grid cell.
type SetStep struct {
	TrackID string
	Index   int
	Step    Step
}

// SetTrackVolume changes a track's gain.
type SetTrackVolume struct {
	TrackID string
	Volume  float64
}

// SetTrackInstrument reassigns a track's sound.
type SetTrackInstrument struct {
	TrackID    string
	Instrument string
}

// SetTrackSample binds an opaque blob-store URL to a track. The core never
// inspects the bytes behind the URL.
type SetTrackSample struct {
	TrackID string
	URL     string
}

func (SetTempo) mutation()           {}
func (SetSwing) mutation()           {}
func (SetStep) mutation()            {}
func (SetTrackVolume) mutation()     {}
func (SetTrackInstrument) mutation() {}
func (SetTrackSample) mutation()     {}

func (SetTempo) Target() string { return "tempo" }
func (SetSwing) Target() string { return "swing" }
func (m SetStep) Target() string {
	return fmt.Sprintf("track/%s/step/%d", m.TrackID, m.Index)
}
func (m SetTrackVolume) Target() string     { return "track/" + m.TrackID + "/volume" }
func (m SetTrackInstrument) Target() string { return "track/" + m.TrackID + "/instrument" }
func (m SetTrackSample) Target() string     { return "track/" + m.TrackID + "/sample" }

// ParseMutation turns a wire target/value pair into a typed mutation,
// validating shape and bounds. Track existence is checked at apply time
// because only the coordinator holds the authoritative track list.
func ParseMutation(target string, value json.RawMessage) (Mutation, error) {
	switch target {
	case "tempo":
		bpm, err := decodeFloat(value)
		if err != nil {
			return nil, err
		}
		if bpm < MinTempo || bpm > MaxTempo {
			return nil, fmt.Errorf("%w: tempo %v", ErrOutOfRange, bpm)
		}
		return SetTempo{BPM: bpm}, nil
	case "swing":
		amount, err := decodeFloat(value)
		if err != nil {
			return nil, err
		}
		if amount < 0 || amount > MaxSwing {
			return nil, fmt.Errorf("%w: swing %v", ErrOutOfRange, amount)
		}
		return SetSwing{Amount: amount}, nil
	}

	parts := strings.Split(target, "/")
	if len(parts) < 3 || parts[0] != "track" || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	trackID := parts[1]

	switch {
	case len(parts) == 4 && parts[2] == "step":
		index, err := strconv.Atoi(parts[3])
		if err != nil || index < 0 || index >= StepsPerTrack {
			return nil, fmt.Errorf("%w: step index %q", ErrOutOfRange, parts[3])
		}
		var step Step
		if err := decodeStrict(value, &step); err != nil {
			return nil, err
		}
		if step.Velocity < 0 || step.Velocity > 1 {
			return nil, fmt.Errorf("%w: velocity %v", ErrOutOfRange, step.Velocity)
		}
		return SetStep{TrackID: trackID, Index: index, Step: step}, nil
	case len(parts) == 3 && parts[2] == "volume":
		volume, err := decodeFloat(value)
		if err != nil {
			return nil, err
		}
		if volume < 0 || volume > 1 {
			return nil, fmt.Errorf("%w: volume %v", ErrOutOfRange, volume)
		}
		return SetTrackVolume{TrackID: trackID, Volume: volume}, nil
	case len(parts) == 3 && parts[2] == "instrument":
		instrument, err := decodeString(value)
		if err != nil {
			return nil, err
		}
		if _, ok := Instruments[instrument]; !ok {
			return nil, fmt.Errorf("%w: instrument %q", ErrOutOfRange, instrument)
		}
		return SetTrackInstrument{TrackID: trackID, Instrument: instrument}, nil
	case len(parts) == 3 && parts[2] == "sample":
		url, err := decodeString(value)
		if err != nil {
			return nil, err
		}
		if url == "" {
			return nil, fmt.Errorf("%w: empty sample url", ErrBadPayload)
		}
		return SetTrackSample{TrackID: trackID, URL: url}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
}

// Apply mutates the pattern in place and bumps the version counter. Intents
// addressing a missing track fail without touching the document.
func (p *Pattern) Apply(m Mutation) error {
	switch mut := m.(type) {
	case SetTempo:
		p.Tempo = mut.BPM
	case SetSwing:
		p.Swing = mut.Amount
	case SetStep:
		track, ok := p.TrackByID(mut.TrackID)
		if !ok {
			return fmt.Errorf("%w: track %q", ErrUnknownTarget, mut.TrackID)
		}
		if mut.Index < 0 || mut.Index >= len(track.Steps) {
			return fmt.Errorf("%w: step index %d", ErrOutOfRange, mut.Index)
		}
		track.Steps[mut.Index] = mut.Step
	case SetTrackVolume:
		track, ok := p.TrackByID(mut.TrackID)
		if !ok {
			return fmt.Errorf("%w: track %q", ErrUnknownTarget, mut.TrackID)
		}
		track.Volume = mut.Volume
	case SetTrackInstrument:
		track, ok := p.TrackByID(mut.TrackID)
		if !ok {
			return fmt.Errorf("%w: track %q", ErrUnknownTarget, mut.TrackID)
		}
		track.Instrument = mut.Instrument
	case SetTrackSample:
		track, ok := p.TrackByID(mut.TrackID)
		if !ok {
			return fmt.Errorf("%w: track %q", ErrUnknownTarget, mut.TrackID)
		}
		track.SampleURL = mut.URL
	default:
		return fmt.Errorf("%w: unhandled mutation %T", ErrUnknownTarget, m)
	}
	p.Version++
	return nil
}

// WireValue returns the canonical wire form of a mutation's value, so every
// client receives the same bytes regardless of how the sender spelled the
// intent payload.
func WireValue(m Mutation) any {
	switch mut := m.(type) {
	case SetTempo:
		return mut.BPM
	case SetSwing:
		return mut.Amount
	case SetStep:
		return mut.Step
	case SetTrackVolume:
		return mut.Volume
	case SetTrackInstrument:
		return mut.Instrument
	case SetTrackSample:
		return mut.URL
	default:
		return nil
	}
}

// ValueAt resolves the current wire-value for a target path. It is used by
// the client tracker to compare an intended value against a snapshot.
func (p *Pattern) ValueAt(target string) (any, bool) {
	switch target {
	case "tempo":
		return p.Tempo, true
	case "swing":
		return p.Swing, true
	}

	parts := strings.Split(target, "/")
	if len(parts) < 3 || parts[0] != "track" {
		return nil, false
	}
	track, ok := p.TrackByID(parts[1])
	if !ok {
		return nil, false
	}

	switch {
	case len(parts) == 4 && parts[2] == "step":
		index, err := strconv.Atoi(parts[3])
		if err != nil || index < 0 || index >= len(track.Steps) {
			return nil, false
		}
		return track.Steps[index], true
	case len(parts) == 3 && parts[2] == "volume":
		return track.Volume, true
	case len(parts) == 3 && parts[2] == "instrument":
		return track.Instrument, true
	case len(parts) == 3 && parts[2] == "sample":
		return track.SampleURL, true
	default:
		return nil, false
	}
}

func decodeFloat(value json.RawMessage) (float64, error) {
	var out float64
	if err := decodeStrict(value, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func decodeString(value json.RawMessage) (string, error) {
	var out string
	if err := decodeStrict(value, &out); err != nil {
		return "", err
	}
	return out, nil
}

func decodeStrict(value json.RawMessage, out any) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: missing value", ErrBadPayload)
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
