// Package session implements the per-session coordinator: a single goroutine
// that owns one session's canonical pattern, applies intents strictly
// serially in arrival order, and fans broadcasts out through per-connection
// send queues. The serialization is the whole concurrency story — first
// applied wins and no merge step exists.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jamgrid/internal/proto"
	"jamgrid/internal/state"
	"jamgrid/internal/store"
	"jamgrid/internal/telemetry"
)

// Config bounds the coordinator's timers and queues.
type Config struct {
	PruneInterval      time.Duration
	StalenessThreshold time.Duration
	HashProbeInterval  time.Duration
	PersistDebounce    time.Duration
	WriteWait          time.Duration
	SendQueueDepth     int
	JournalEntries     int
	JournalMaxAge      time.Duration
	EvictAfter         time.Duration
}

// DefaultConfig mirrors the production settings; tests shrink the intervals.
func DefaultConfig() Config {
	return Config{
		PruneInterval:      5 * time.Second,
		StalenessThreshold: 30 * time.Second,
		HashProbeInterval:  10 * time.Second,
		PersistDebounce:    3 * time.Second,
		WriteWait:          10 * time.Second,
		SendQueueDepth:     64,
		JournalEntries:     256,
		JournalMaxAge:      time.Minute,
		EvictAfter:         15 * time.Minute,
	}
}

// Commands posted into the actor channel. The channel is the only way to
// reach the coordinator's state.
type attachCmd struct {
	sock  *websocket.Conn
	token string
	name  string
	reply chan *conn
}

type frameCmd struct {
	c     *conn
	frame proto.ClientFrame
}

type detachCmd struct{ c *conn }

type diagCmd struct{ reply chan Diagnostics }

// Diagnostics is the per-session slice of the /diagnostics payload.
type Diagnostics struct {
	SessionID   string              `json:"sessionId"`
	Version     uint64              `json:"version"`
	JournalSize int                 `json:"journalSize"`
	Players     []PlayerDiagnostics `json:"players"`
}

type PlayerDiagnostics struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Connected      bool   `json:"connected"`
	LastActive     int64  `json:"lastActive"`
	UpstreamMillis int64  `json:"upstreamDelayMillis"`
}

// Coordinator is the sole owner of one session's mutable state.
type Coordinator struct {
	sessionID string
	cfg       Config
	log       zerolog.Logger
	store     store.Store
	counters  *telemetry.Counters

	cmds     chan any
	quit     chan struct{}
	closed   chan struct{}
	stopOnce sync.Once

	lastTouch atomic.Int64
	connCount atomic.Int64

	// Everything below is owned by the run loop.
	pattern      *state.Pattern
	players      map[string]*player
	conns        map[*conn]*player
	journal      *journal
	lastPrune    time.Time
	dirty        bool
	persistTimer *time.Timer
}

func newCoordinator(sessionID string, pattern *state.Pattern, cfg Config, st store.Store, counters *telemetry.Counters, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		sessionID: sessionID,
		cfg:       cfg,
		log:       logger.With().Str("component", "coordinator").Str("session", sessionID).Logger(),
		store:     st,
		counters:  counters,
		cmds:      make(chan any, 128),
		quit:      make(chan struct{}),
		closed:    make(chan struct{}),
		pattern:   pattern,
		players:   make(map[string]*player),
		conns:     make(map[*conn]*player),
		journal:   newJournal(cfg.JournalEntries, cfg.JournalMaxAge),
	}
	c.touch(time.Now())
	return c
}

// SessionID returns the stable logical identity of this session.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Serve attaches a websocket to the session and runs its read loop until the
// socket dies. The caller's goroutine becomes the connection's reader.
func (c *Coordinator) Serve(sock *websocket.Conn, identityToken, name string) {
	reply := make(chan *conn, 1)
	if !c.post(attachCmd{sock: sock, token: identityToken, name: name, reply: reply}) {
		sock.Close()
		return
	}
	var cn *conn
	select {
	case cn = <-reply:
	case <-c.closed:
		sock.Close()
		return
	}
	if cn == nil {
		sock.Close()
		return
	}

	for {
		_, payload, err := sock.ReadMessage()
		if err != nil {
			c.post(detachCmd{c: cn})
			return
		}
		frame, err := proto.DecodeClientFrame(payload)
		if err != nil && !errors.Is(err, proto.ErrUnknownType) {
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		// Unknown types flow to the actor so the sender gets an explicit
		// rejection echo instead of a silent drop.
		if !c.post(frameCmd{c: cn, frame: frame}) {
			return
		}
	}
}

// post delivers a command unless the session has shut down.
func (c *Coordinator) post(cmd any) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.closed:
		return false
	}
}

// Run drives the actor until Stop. It must be called exactly once.
func (c *Coordinator) Run() {
	hashTicker := time.NewTicker(c.cfg.HashProbeInterval)
	defer hashTicker.Stop()

	c.persistTimer = time.NewTimer(c.cfg.PersistDebounce)
	if !c.persistTimer.Stop() {
		<-c.persistTimer.C
	}

	for {
		select {
		case cmd := <-c.cmds:
			now := time.Now()
			c.touch(now)
			switch v := cmd.(type) {
			case attachCmd:
				v.reply <- c.handleAttach(v, now)
			case frameCmd:
				c.handleFrame(v.c, v.frame, now)
			case detachCmd:
				c.handleDetach(v.c)
			case diagCmd:
				v.reply <- c.diagnostics()
			}
			c.maybePrune(now)
		case <-hashTicker.C:
			c.broadcastHashProbe()
			c.maybePrune(time.Now())
		case <-c.persistTimer.C:
			c.flushPersist(context.Background())
		case <-c.quit:
			c.teardown()
			return
		}
	}
}

// Stop shuts the actor down, flushing state first. Safe to call repeatedly.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.quit) })
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the run loop is still accepting commands.
func (c *Coordinator) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// IdleSince returns how long the session has been without connections and
// commands. Sessions with live connections are never idle.
func (c *Coordinator) IdleSince(now time.Time) time.Duration {
	if c.connCount.Load() > 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(c.lastTouch.Load()))
}

// Diagnostics asks the actor for its current roster and version.
func (c *Coordinator) Diagnostics(ctx context.Context) (Diagnostics, error) {
	reply := make(chan Diagnostics, 1)
	if !c.post(diagCmd{reply: reply}) {
		return Diagnostics{}, errors.New("session stopped")
	}
	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return Diagnostics{}, ctx.Err()
	case <-c.closed:
		return Diagnostics{}, errors.New("session stopped")
	}
}

func (c *Coordinator) touch(now time.Time) {
	c.lastTouch.Store(now.UnixMilli())
}

func (c *Coordinator) handleAttach(cmd attachCmd, now time.Time) *conn {
	token := cmd.token
	if token == "" {
		token = uuid.NewString()
	}

	p, existing := c.players[token]
	if existing && p.conn != nil {
		// Duplicate identity: the newer connection wins, the older one is
		// closed explicitly, never left to coexist.
		c.log.Info().Str("player", token).Msg("replacing duplicate connection")
		c.dropConn(p.conn, websocket.ClosePolicyViolation, "superseded by newer connection")
	}
	if !existing {
		p = newPlayer(token, cmd.name, now)
		c.players[token] = p
	} else if cmd.name != "" {
		p.name = cmd.name
	}
	p.lastActive = now

	cn := newConn(cmd.sock, c.cfg.SendQueueDepth, c.cfg.WriteWait)
	p.conn = cn
	c.conns[cn] = p
	c.connCount.Add(1)

	c.sendSnapshot(cn, p.id)
	if !existing {
		c.broadcastRosterChange(p.id, "")
	}
	return cn
}

func (c *Coordinator) handleDetach(cn *conn) {
	p, ok := c.conns[cn]
	if !ok {
		return
	}
	delete(c.conns, cn)
	c.connCount.Add(-1)
	cn.shutdown(0, "")
	if p.conn == cn {
		p.conn = nil
	}
	// The player stays in the roster: the identity may resume on a new
	// connection, and staleness pruning cleans up abandoned ones.
}

// dropConn removes and closes a connection with an explicit close frame.
func (c *Coordinator) dropConn(cn *conn, closeCode int, reason string) {
	p, ok := c.conns[cn]
	if !ok {
		return
	}
	delete(c.conns, cn)
	c.connCount.Add(-1)
	cn.shutdown(closeCode, reason)
	if p.conn == cn {
		p.conn = nil
	}
}

func (c *Coordinator) handleFrame(cn *conn, frame proto.ClientFrame, now time.Time) {
	p, ok := c.conns[cn]
	if !ok {
		return
	}
	p.lastActive = now

	switch frame.Type {
	case proto.TypeIntent:
		c.applyIntent(cn, p, frame)
	case proto.TypeClockProbe:
		c.replyClockProbe(cn, p, frame, now)
	case proto.TypeResyncRequest:
		c.counters.IncrementResyncSnapshot()
		c.sendSnapshot(cn, p.id)
	case proto.TypeLeave:
		c.handleLeave(p)
	default:
		c.counters.IncrementIntentRejected()
		c.sendReject(cn, frame.ClientSeq, proto.RejectUnknownType)
	}
}

// applyIntent validates, applies, and broadcasts one mutation. Failures
// degrade to a rejection echo to the sender; the actor never crashes on
// client input.
func (c *Coordinator) applyIntent(cn *conn, p *player, frame proto.ClientFrame) {
	mutation, err := state.ParseMutation(frame.Target, frame.Value)
	if err != nil {
		c.counters.IncrementIntentRejected()
		c.log.Debug().Err(err).Str("player", p.id).Str("target", frame.Target).Msg("intent rejected")
		c.sendReject(cn, frame.ClientSeq, rejectReason(err))
		return
	}
	if err := c.pattern.Apply(mutation); err != nil {
		c.counters.IncrementIntentRejected()
		c.sendReject(cn, frame.ClientSeq, rejectReason(err))
		return
	}
	c.counters.IncrementIntentApplied()

	value, err := json.Marshal(state.WireValue(mutation))
	if err != nil {
		value = frame.Value
	}
	target := mutation.Target()
	c.journal.Append(effectRecord{
		Version:  c.pattern.Version,
		Target:   target,
		Value:    value,
		PlayerID: p.id,
	})

	c.broadcastEffect(p.id, target, value, frame.ClientSeq, cn)
	c.schedulePersist()

	if c.journal.policy.consume() {
		c.counters.IncrementResyncSnapshot()
		for peer, owner := range c.conns {
			c.sendSnapshot(peer, owner.id)
		}
	}
}

// broadcastEffect fans the applied delta out to every connection. Only the
// sender's copy carries the clientSeq echo.
func (c *Coordinator) broadcastEffect(playerID, target string, value json.RawMessage, senderSeq uint64, sender *conn) {
	base := proto.EffectMessage{
		Ver:        proto.Version,
		Type:       proto.TypeEffect,
		Version:    c.pattern.Version,
		Target:     target,
		Value:      value,
		PlayerID:   playerID,
		ServerTime: time.Now().UnixMilli(),
	}
	othersData, err := json.Marshal(base)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal effect")
		return
	}
	senderData := othersData
	if senderSeq > 0 {
		withEcho := base
		withEcho.ClientSeq = &senderSeq
		if data, err := json.Marshal(withEcho); err == nil {
			senderData = data
		}
	}

	fanout := len(c.conns)
	for cn := range c.conns {
		data := othersData
		if cn == sender {
			data = senderData
		}
		c.deliver(cn, data)
	}
	c.counters.RecordBroadcast(len(othersData), fanout)
}

// deliver enqueues one frame, closing the connection on overflow so a slow
// peer never blocks delivery to the others.
func (c *Coordinator) deliver(cn *conn, data []byte) {
	if cn.enqueue(data) {
		c.journal.policy.noteDelivery()
		return
	}
	c.counters.IncrementSendQueueOverflow()
	c.journal.policy.noteDrop()
	c.log.Warn().Msg("dropping connection with full send queue")
	c.dropConn(cn, websocket.CloseTryAgainLater, "send queue overflow")
}

func (c *Coordinator) sendSnapshot(cn *conn, selfID string) {
	msg := proto.SnapshotMessage{
		Ver:        proto.Version,
		Type:       proto.TypeSnapshot,
		Version:    c.pattern.Version,
		State:      *c.pattern,
		Roster:     c.roster(),
		SelfID:     selfID,
		ServerTime: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}
	c.deliver(cn, data)
}

func (c *Coordinator) sendReject(cn *conn, seq uint64, reason string) {
	msg := proto.IntentRejectMessage{
		Ver:       proto.Version,
		Type:      proto.TypeIntentReject,
		ClientSeq: seq,
		Reason:    reason,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.deliver(cn, data)
}

// replyClockProbe answers with both timestamps. The recorded upstream delay
// subtracts a client timestamp from the server clock, so it carries the
// probe's one-way latency plus the client's clock offset.
func (c *Coordinator) replyClockProbe(cn *conn, p *player, frame proto.ClientFrame, now time.Time) {
	if frame.ClientTime > 0 {
		clientTime := time.UnixMilli(frame.ClientTime)
		if clientTime.Before(now.Add(5 * time.Second)) {
			delay := now.Sub(clientTime)
			if delay < 0 {
				delay = 0
			}
			p.upstreamDelay = delay
		}
	}
	msg := proto.ClockProbeReplyMessage{
		Ver:            proto.Version,
		Type:           proto.TypeClockProbeReply,
		ClientTime:     frame.ClientTime,
		ServerTime:     now.UnixMilli(),
		UpstreamMillis: p.upstreamDelay.Milliseconds(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.deliver(cn, data)
}

func (c *Coordinator) handleLeave(p *player) {
	if p.conn != nil {
		c.dropConn(p.conn, websocket.CloseNormalClosure, "left session")
	}
	delete(c.players, p.id)
	c.broadcastRosterChange("", p.id)
}

// maybePrune runs the staleness sweep at most once per prune interval.
func (c *Coordinator) maybePrune(now time.Time) {
	if now.Sub(c.lastPrune) < c.cfg.PruneInterval {
		return
	}
	c.lastPrune = now

	for id, p := range c.players {
		if now.Sub(p.lastActive) <= c.cfg.StalenessThreshold {
			continue
		}
		if p.conn != nil {
			c.dropConn(p.conn, websocket.CloseGoingAway, "pruned for inactivity")
		}
		delete(c.players, id)
		c.counters.IncrementPruned()
		c.log.Info().Str("player", id).Msg("pruned stale player")
		c.broadcastRosterChange("", id)
	}
}

func (c *Coordinator) broadcastRosterChange(joined, left string) {
	msg := proto.RosterChangeMessage{
		Ver:    proto.Version,
		Type:   proto.TypeRosterChange,
		Roster: c.roster(),
		Joined: joined,
		Left:   left,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fanout := len(c.conns)
	for cn := range c.conns {
		c.deliver(cn, data)
	}
	c.counters.RecordBroadcast(len(data), fanout)
}

func (c *Coordinator) broadcastHashProbe() {
	if len(c.conns) == 0 {
		return
	}
	c.counters.IncrementHashProbe()
	msg := proto.HashProbeMessage{
		Ver:     proto.Version,
		Type:    proto.TypeHashProbe,
		Version: c.pattern.Version,
		Hash:    state.Fingerprint(c.pattern),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fanout := len(c.conns)
	for cn := range c.conns {
		c.deliver(cn, data)
	}
	c.counters.RecordBroadcast(len(data), fanout)
}

func (c *Coordinator) roster() []proto.PlayerInfo {
	roster := make([]proto.PlayerInfo, 0, len(c.players))
	for _, p := range c.players {
		roster = append(roster, p.info())
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func (c *Coordinator) diagnostics() Diagnostics {
	diag := Diagnostics{
		SessionID:   c.sessionID,
		Version:     c.pattern.Version,
		JournalSize: c.journal.Size(),
	}
	for _, p := range c.players {
		diag.Players = append(diag.Players, PlayerDiagnostics{
			ID:             p.id,
			Name:           p.name,
			Connected:      p.conn != nil,
			LastActive:     p.lastActive.UnixMilli(),
			UpstreamMillis: p.upstreamDelay.Milliseconds(),
		})
	}
	sort.Slice(diag.Players, func(i, j int) bool { return diag.Players[i].ID < diag.Players[j].ID })
	return diag
}

// schedulePersist arms the debounce timer; the latest mutation always wins
// the race, so a burst of edits collapses into one durable write.
func (c *Coordinator) schedulePersist() {
	c.dirty = true
	if !c.persistTimer.Stop() {
		select {
		case <-c.persistTimer.C:
		default:
		}
	}
	c.persistTimer.Reset(c.cfg.PersistDebounce)
}

// flushPersist writes the pattern through the store. Failures keep the dirty
// flag and re-arm the timer; persistence never blocks intent application.
func (c *Coordinator) flushPersist(ctx context.Context) {
	if !c.dirty {
		return
	}
	doc, err := json.Marshal(c.pattern)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode pattern for persistence")
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.store.Put(putCtx, c.sessionID, doc); err != nil {
		c.log.Error().Err(err).Msg("persist failed, will retry next cycle")
		c.persistTimer.Reset(c.cfg.PersistDebounce)
		return
	}
	c.dirty = false
}

func (c *Coordinator) teardown() {
	c.flushPersist(context.Background())
	for cn := range c.conns {
		c.dropConn(cn, websocket.CloseGoingAway, "session closing")
	}
	close(c.closed)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrUnknownTarget):
		return proto.RejectUnknownTarget
	case errors.Is(err, state.ErrOutOfRange):
		return proto.RejectOutOfRange
	default:
		return proto.RejectBadPayload
	}
}
