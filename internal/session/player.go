package session

import (
	"hash/fnv"
	"time"

	"jamgrid/internal/proto"
)

// player is one roster entry. The identity token survives reconnects; the
// bound connection handle does not. At most one live connection holds an
// identity at any time.
type player struct {
	id         string
	name       string
	color      string
	conn       *conn
	lastActive time.Time
	// upstreamDelay spans two clocks, so it absorbs the client's clock
	// offset. Reported for diagnostics only.
	upstreamDelay time.Duration
	joinedAt      time.Time
}

var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// colorFor assigns a stable display color derived from the identity token.
func colorFor(id string) string {
	hasher := fnv.New64a()
	hasher.Write([]byte(id))
	return palette[hasher.Sum64()%uint64(len(palette))]
}

func newPlayer(id, name string, now time.Time) *player {
	if name == "" {
		name = "anonymous"
	}
	return &player{
		id:         id,
		name:       name,
		color:      colorFor(id),
		lastActive: now,
		joinedAt:   now,
	}
}

func (p *player) info() proto.PlayerInfo {
	return proto.PlayerInfo{ID: p.id, Name: p.name, Color: p.color}
}
