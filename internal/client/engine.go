package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jamgrid/internal/proto"
	"jamgrid/internal/state"
)

// Status is the connection state surfaced to the UI layer. Reconnecting is
// the only user-visible failure mode; mid-session churn otherwise stays
// hidden behind the local projection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusStopped      Status = "stopped"
)

// Listener receives engine events on the read goroutine. Implementations
// must not block.
type Listener interface {
	OnSnapshot(p *state.Pattern, roster []proto.PlayerInfo)
	OnEffect(target string, value json.RawMessage, playerID string)
	OnRoster(roster []proto.PlayerInfo)
	OnStatus(status Status)
}

// Options configures an Engine. URL is the full websocket endpoint for one
// session, e.g. ws://host/ws/jam-42.
type Options struct {
	URL      string
	Name     string
	Identity IdentityStore
	Logger   zerolog.Logger
	Listener Listener

	ClockProbeInterval time.Duration
	MutationWait       time.Duration
	QueueLimit         int
	QueueMaxAge        time.Duration
	WriteWait          time.Duration
	Dialer             *websocket.Dialer
}

func (o *Options) defaults() {
	if o.ClockProbeInterval <= 0 {
		o.ClockProbeInterval = 2 * time.Second
	}
	if o.MutationWait <= 0 {
		o.MutationWait = 10 * time.Second
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = 256
	}
	if o.QueueMaxAge <= 0 {
		o.QueueMaxAge = 2 * time.Minute
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.Identity == nil {
		o.Identity = &MemoryIdentity{}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Engine is the client-side sync core. It keeps an optimistic local
// projection of the session pattern, tracks every outbound mutation to a
// terminal outcome, queues intents while offline, and reconnects with
// exponential backoff under the same persisted identity.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	clock   *Clock
	tracker *Tracker
	queue   *OfflineQueue

	seq atomic.Uint64

	mu      sync.Mutex
	sock    *websocket.Conn
	pattern *state.Pattern
	version uint64
	roster  []proto.PlayerInfo
	selfID  string
	status  Status
	muted   map[string]bool
	solo    map[string]bool

	writeMu sync.Mutex
}

func New(opts Options) *Engine {
	opts.defaults()
	return &Engine{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "sync-engine").Logger(),
		clock:   NewClock(),
		tracker: NewTracker(opts.MutationWait),
		queue:   NewOfflineQueue(opts.QueueLimit, opts.QueueMaxAge),
		status:  StatusReconnecting,
		muted:   make(map[string]bool),
		solo:    make(map[string]bool),
	}
}

// Run connects and keeps the session alive until ctx is cancelled. Dial
// failures and dropped connections retry with exponential backoff; a
// successful connection resets the backoff.
func (e *Engine) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	for {
		sock, err := e.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.setStatus(StatusStopped)
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			e.log.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
			select {
			case <-ctx.Done():
				e.setStatus(StatusStopped)
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		e.runConnection(ctx, sock)
		if ctx.Err() != nil {
			e.setStatus(StatusStopped)
			return ctx.Err()
		}
		e.setStatus(StatusReconnecting)
	}
}

func (e *Engine) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(e.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if token, ok := e.opts.Identity.Load(); ok {
		q.Set("token", token)
	}
	if e.opts.Name != "" {
		q.Set("name", e.opts.Name)
	}
	u.RawQuery = q.Encode()

	sock, _, err := e.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// runConnection owns one websocket lifetime: it replays the offline queue,
// starts the probe ticker, then reads frames until the socket dies. The
// queue drains before the socket is visible to SendIntent and before
// connected is signaled, so every replayed intent reaches the coordinator
// ahead of anything issued after the reconnect.
func (e *Engine) runConnection(ctx context.Context, sock *websocket.Conn) {
	if !e.replayQueue(sock) {
		sock.Close()
		return
	}

	e.mu.Lock()
	e.sock = sock
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sock = nil
		e.mu.Unlock()
		sock.Close()
	}()

	// Intents queued while the replay frames were in flight still precede
	// the status signal.
	for _, queued := range e.queue.Drain(time.Now()) {
		if err := e.sendTracked(queued.Target, queued.Value); err != nil {
			return
		}
	}
	e.setStatus(StatusConnected)

	done := make(chan struct{})
	defer close(done)
	go e.probeLoop(ctx, done)

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, websocket.ErrCloseSent) {
				e.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		frame, err := proto.DecodeServerFrame(data)
		if err != nil {
			e.log.Warn().Err(err).Msg("unreadable frame")
			continue
		}
		e.handleFrame(frame)
	}
}

func (e *Engine) probeLoop(ctx context.Context, done <-chan struct{}) {
	probe := time.NewTicker(e.opts.ClockProbeInterval)
	defer probe.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			e.writeFrame(proto.ClientFrame{Ver: proto.Version, Type: proto.TypeLeave})
			return
		case <-probe.C:
			e.writeFrame(proto.ClientFrame{
				Ver:        proto.Version,
				Type:       proto.TypeClockProbe,
				ClientTime: time.Now().UnixMilli(),
			})
		case <-sweep.C:
			for _, res := range e.tracker.SweepTimeouts(time.Now()) {
				e.log.Warn().
					Uint64("seq", res.Seq).
					Str("target", res.Target).
					Dur("elapsed", res.Elapsed).
					Msg("mutation lost: no response within wait window")
			}
		}
	}
}

// SendIntent issues a mutation. Connected, it goes on the wire and into the
// tracker; offline, it lands in the bounded queue for replay. The local
// projection is not touched here: it converges via the broadcast effect.
func (e *Engine) SendIntent(target string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()

	e.mu.Lock()
	connected := e.sock != nil
	e.mu.Unlock()
	if !connected {
		if dropped := e.queue.Push(target, raw, now); dropped > 0 {
			e.log.Warn().Int("dropped", dropped).Msg("offline queue full, oldest intent discarded")
		}
		return nil
	}

	return e.sendTracked(target, raw)
}

func (e *Engine) sendTracked(target string, raw json.RawMessage) error {
	seq := e.seq.Add(1)
	now := time.Now()
	e.tracker.Track(seq, target, raw, now, e.clock.ToAuthorityTime(now))
	return e.writeFrame(proto.ClientFrame{
		Ver:       proto.Version,
		Type:      proto.TypeIntent,
		Target:    target,
		Value:     raw,
		ClientSeq: seq,
	})
}

// replayQueue sends every queued offline intent over a socket SendIntent
// cannot see yet. Entries not yet written go back to the queue on a write
// failure.
func (e *Engine) replayQueue(sock *websocket.Conn) bool {
	for {
		entries := e.queue.Drain(time.Now())
		if len(entries) == 0 {
			return true
		}
		for i, queued := range entries {
			seq := e.seq.Add(1)
			frame := proto.ClientFrame{
				Ver:       proto.Version,
				Type:      proto.TypeIntent,
				Target:    queued.Target,
				Value:     queued.Value,
				ClientSeq: seq,
			}
			e.writeMu.Lock()
			sock.SetWriteDeadline(time.Now().Add(e.opts.WriteWait))
			err := sock.WriteJSON(frame)
			e.writeMu.Unlock()
			if err != nil {
				for _, rest := range entries[i:] {
					e.queue.Push(rest.Target, rest.Value, rest.EnqueuedAt)
				}
				return false
			}
			now := time.Now()
			e.tracker.Track(seq, queued.Target, queued.Value, now, e.clock.ToAuthorityTime(now))
		}
	}
}

func (e *Engine) writeFrame(frame proto.ClientFrame) error {
	e.mu.Lock()
	sock := e.sock
	e.mu.Unlock()
	if sock == nil {
		return errors.New("not connected")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	sock.SetWriteDeadline(time.Now().Add(e.opts.WriteWait))
	return sock.WriteJSON(frame)
}

func (e *Engine) handleFrame(frame proto.ServerFrame) {
	switch frame.Type {
	case proto.TypeSnapshot:
		e.handleSnapshot(frame)
	case proto.TypeEffect:
		e.handleEffect(frame)
	case proto.TypeIntentReject:
		if frame.ClientSeq != nil {
			if res, ok := e.tracker.Reject(*frame.ClientSeq, time.Now()); ok {
				e.log.Warn().
					Uint64("seq", res.Seq).
					Str("target", res.Target).
					Str("reason", frame.Reason).
					Msg("intent rejected")
			}
		}
	case proto.TypeRosterChange:
		e.mu.Lock()
		e.roster = frame.Roster
		e.mu.Unlock()
		if e.opts.Listener != nil {
			e.opts.Listener.OnRoster(frame.Roster)
		}
	case proto.TypeClockProbeReply:
		e.clock.Observe(frame.ClientTime, frame.ServerTime, time.Now())
	case proto.TypeHashProbe:
		e.handleHashProbe(frame)
	}
}

func (e *Engine) handleSnapshot(frame proto.ServerFrame) {
	if frame.State == nil {
		return
	}
	now := time.Now()

	e.mu.Lock()
	e.pattern = frame.State.Clone()
	e.version = frame.Version
	e.roster = frame.Roster
	if frame.SelfID != "" && frame.SelfID != e.selfID {
		e.selfID = frame.SelfID
		if err := e.opts.Identity.Save(frame.SelfID); err != nil {
			e.log.Warn().Err(err).Msg("identity not persisted")
		}
	}
	playerCount := len(e.roster)
	e.mu.Unlock()

	sctx := SnapshotContext{
		RTT:         e.clock.SmoothedRTT(),
		Connected:   true,
		PlayerCount: playerCount,
	}
	violations, resolved := e.tracker.ObserveSnapshot(frame.State, now, sctx)
	for _, v := range violations {
		e.log.Error().
			Uint64("seq", v.Seq).
			Str("target", v.Target).
			RawJSON("intended", nonNilJSON(v.Intended)).
			RawJSON("actual", nonNilJSON(v.Actual)).
			Dur("elapsed", v.Elapsed).
			Dur("rtt", v.RTT).
			Bool("connected", v.Connected).
			Int("players", v.PlayerCount).
			Msg("mutation lost: snapshot contradicts pending intent")
	}
	for _, res := range resolved {
		if res.Outcome == OutcomeConfirmed {
			e.log.Debug().Uint64("seq", res.Seq).Str("target", res.Target).Msg("confirmed via snapshot")
		}
	}

	if e.opts.Listener != nil {
		e.opts.Listener.OnSnapshot(frame.State, frame.Roster)
	}
}

func (e *Engine) handleEffect(frame proto.ServerFrame) {
	now := time.Now()

	e.mu.Lock()
	if e.pattern != nil {
		if mut, err := state.ParseMutation(frame.Target, frame.Value); err == nil {
			if err := e.pattern.Apply(mut); err == nil {
				e.pattern.Version = frame.Version
				e.version = frame.Version
			}
		}
	}
	selfID := e.selfID
	e.mu.Unlock()

	if frame.ClientSeq != nil {
		if res, ok := e.tracker.Confirm(*frame.ClientSeq, now); ok {
			e.log.Debug().
				Uint64("seq", res.Seq).
				Str("target", res.Target).
				Dur("elapsed", res.Elapsed).
				Msg("mutation confirmed")
		}
	} else if frame.PlayerID != "" && frame.PlayerID != selfID {
		for _, res := range e.tracker.ObserveEffect(frame.Target, now) {
			e.log.Debug().
				Uint64("seq", res.Seq).
				Str("target", res.Target).
				Str("by", frame.PlayerID).
				Msg("mutation superseded")
		}
	}

	if e.opts.Listener != nil {
		e.opts.Listener.OnEffect(frame.Target, frame.Value, frame.PlayerID)
	}
}

// handleHashProbe compares the coordinator's fingerprint against the local
// projection. A mismatch while mutations are in flight is expected; a
// quiescent mismatch, including a probe version the projection never reached
// because a broadcast was missed, is real divergence and is repaired by
// requesting a fresh snapshot.
func (e *Engine) handleHashProbe(frame proto.ServerFrame) {
	e.mu.Lock()
	if e.pattern == nil {
		e.mu.Unlock()
		return
	}
	localVersion := e.version
	local := state.Fingerprint(e.pattern)
	e.mu.Unlock()

	if e.tracker.Stats(time.Now()).Pending > 0 {
		return
	}
	// A probe older than the projection raced an effect we already applied;
	// the next probe covers the newer version.
	if frame.Version < localVersion {
		return
	}
	if frame.Version == localVersion && local == frame.Hash {
		return
	}
	e.log.Warn().
		Uint64("version", frame.Version).
		Uint64("localVersion", localVersion).
		Str("local", local).
		Str("authority", frame.Hash).
		Msg("state divergence detected, requesting resync")
	e.writeFrame(proto.ClientFrame{Ver: proto.Version, Type: proto.TypeResyncRequest})
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()
	if changed && e.opts.Listener != nil {
		e.opts.Listener.OnStatus(s)
	}
}

// Pattern returns a copy of the local projection, or nil before the first
// snapshot arrives.
func (e *Engine) Pattern() *state.Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pattern == nil {
		return nil
	}
	return e.pattern.Clone()
}

func (e *Engine) Roster() []proto.PlayerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]proto.PlayerInfo, len(e.roster))
	copy(out, e.roster)
	return out
}

func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Clock() *Clock { return e.clock }

func (e *Engine) TrackerStats() Stats { return e.tracker.Stats(time.Now()) }

func (e *Engine) QueueLen() int { return e.queue.Len() }

// SetMuted and SetSolo adjust playback-only controls. They never touch the
// wire and never affect the shared pattern.
func (e *Engine) SetMuted(trackID string, muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if muted {
		e.muted[trackID] = true
	} else {
		delete(e.muted, trackID)
	}
}

func (e *Engine) IsMuted(trackID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted[trackID]
}

func (e *Engine) SetSolo(trackID string, solo bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if solo {
		e.solo[trackID] = true
	} else {
		delete(e.solo, trackID)
	}
}

func (e *Engine) IsSolo(trackID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solo[trackID]
}

func nonNilJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
