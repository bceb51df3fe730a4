// Package proto defines the websocket wire protocol shared by the
// coordinator and the client engine. Every frame is a single JSON object
// tagged by a "type" field and stamped with the protocol revision.
package proto

import (
	"encoding/json"
	"fmt"

	"jamgrid/internal/state"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client frame type identifiers.
const (
	TypeIntent        = "intent"
	TypeClockProbe    = "clockProbe"
	TypeResyncRequest = "resyncRequest"
	TypeLeave         = "leave"
)

// Coordinator frame type identifiers.
const (
	TypeSnapshot        = "snapshot"
	TypeEffect          = "effect"
	TypeIntentReject    = "intentReject"
	TypeRosterChange    = "rosterChange"
	TypeClockProbeReply = "clockProbeReply"
	TypeHashProbe       = "hashProbe"
)

// Rejection reasons carried by intentReject frames.
const (
	RejectUnknownType   = "unknown_type"
	RejectUnknownTarget = "unknown_target"
	RejectBadPayload    = "bad_payload"
	RejectOutOfRange    = "out_of_range"
	RejectUnknownActor  = "unknown_actor"
)

// ClientFrame captures an inbound websocket message from a client. All
// variants share one flat struct; the Type tag decides which fields are
// meaningful.
type ClientFrame struct {
	Ver        int             `json:"ver,omitempty"`
	Type       string          `json:"type"`
	Target     string          `json:"target,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	ClientSeq  uint64          `json:"clientSeq,omitempty"`
	ClientTime int64           `json:"clientTime,omitempty"`
}

// DecodeClientFrame parses an inbound frame and validates the type tag.
// An unrecognized type is an explicit error so the caller can answer with a
// rejection instead of silently dropping the frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ClientFrame{}, fmt.Errorf("decode client frame: %w", err)
	}
	switch frame.Type {
	case TypeIntent, TypeClockProbe, TypeResyncRequest, TypeLeave:
		return frame, nil
	default:
		return frame, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
}

// ErrUnknownType marks a frame whose type tag is not part of the protocol.
var ErrUnknownType = errUnknownType{}

type errUnknownType struct{}

func (errUnknownType) Error() string { return "unknown frame type" }

// PlayerInfo is the roster entry shared with every client.
type PlayerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// SnapshotMessage transfers the full session state plus roster. It is sent on
// join, on resync requests, and when hash divergence is being repaired.
type SnapshotMessage struct {
	Ver        int           `json:"ver"`
	Type       string        `json:"type"`
	Version    uint64        `json:"version"`
	State      state.Pattern `json:"state"`
	Roster     []PlayerInfo  `json:"roster"`
	SelfID     string        `json:"selfId,omitempty"`
	ServerTime int64         `json:"serverTime"`
}

// EffectMessage broadcasts the result of one applied intent. ClientSeq is set
// only on the copy delivered to the originating player so exactly one tracker
// resolves the pending entry.
type EffectMessage struct {
	Ver        int             `json:"ver"`
	Type       string          `json:"type"`
	Version    uint64          `json:"version"`
	Target     string          `json:"target"`
	Value      json.RawMessage `json:"value"`
	PlayerID   string          `json:"playerId"`
	ClientSeq  *uint64         `json:"clientSeq,omitempty"`
	ServerTime int64           `json:"serverTime"`
}

// IntentRejectMessage answers a malformed or out-of-range intent. The sender
// always learns about the rejection; nothing is dropped silently.
type IntentRejectMessage struct {
	Ver       int    `json:"ver"`
	Type      string `json:"type"`
	ClientSeq uint64 `json:"clientSeq"`
	Reason    string `json:"reason"`
}

// RosterChangeMessage announces joins and leaves.
type RosterChangeMessage struct {
	Ver    int          `json:"ver"`
	Type   string       `json:"type"`
	Roster []PlayerInfo `json:"roster"`
	Joined string       `json:"joined,omitempty"`
	Left   string       `json:"left,omitempty"`
}

// ClockProbeReplyMessage answers a clock probe with both timestamps so the
// client can estimate its offset from the authority clock. UpstreamMillis is
// the probe's client-to-server leg measured across the two clocks, so it
// includes the sender's clock offset; diagnostics only, never sync math.
type ClockProbeReplyMessage struct {
	Ver            int    `json:"ver"`
	Type           string `json:"type"`
	ClientTime     int64  `json:"clientTime"`
	ServerTime     int64  `json:"serverTime"`
	UpstreamMillis int64  `json:"upstreamMillis"`
}

// HashProbeMessage carries the coordinator's canonical state fingerprint for
// out-of-band divergence detection.
type HashProbeMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Version uint64 `json:"version"`
	Hash    string `json:"hash"`
}

// ServerFrame is the client-side view of any coordinator frame. Like
// ClientFrame it is one flat struct discriminated by Type.
type ServerFrame struct {
	Ver            int             `json:"ver,omitempty"`
	Type           string          `json:"type"`
	Version        uint64          `json:"version,omitempty"`
	State          *state.Pattern  `json:"state,omitempty"`
	Roster         []PlayerInfo    `json:"roster,omitempty"`
	SelfID         string          `json:"selfId,omitempty"`
	Target         string          `json:"target,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	PlayerID       string          `json:"playerId,omitempty"`
	ClientSeq      *uint64         `json:"clientSeq,omitempty"`
	Joined         string          `json:"joined,omitempty"`
	Left           string          `json:"left,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Hash           string          `json:"hash,omitempty"`
	ClientTime     int64           `json:"clientTime,omitempty"`
	ServerTime     int64           `json:"serverTime,omitempty"`
	UpstreamMillis int64           `json:"upstreamMillis,omitempty"`
}

// DecodeServerFrame parses a coordinator frame on the client side.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ServerFrame{}, fmt.Errorf("decode server frame: %w", err)
	}
	switch frame.Type {
	case TypeSnapshot, TypeEffect, TypeIntentReject, TypeRosterChange,
		TypeClockProbeReply, TypeHashProbe:
		return frame, nil
	default:
		return frame, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
}
