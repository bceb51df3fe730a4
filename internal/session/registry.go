package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jamgrid/internal/state"
	"jamgrid/internal/store"
	"jamgrid/internal/telemetry"
)

// Registry routes session ids to live coordinators. A session's running
// goroutine comes and goes with demand, but the session id stays the stable
// logical identity: the first message after eviction rehydrates the pattern
// from the store and spawns a fresh actor.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	log      zerolog.Logger
	store    store.Store
	counters *telemetry.Counters
	sessions map[string]*Coordinator
}

func NewRegistry(cfg Config, st store.Store, counters *telemetry.Counters, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      logger.With().Str("component", "registry").Logger(),
		store:    st,
		counters: counters,
		sessions: make(map[string]*Coordinator),
	}
}

// Acquire returns the live coordinator for a session id, rehydrating it from
// the store when no actor is running.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Coordinator, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if co, ok := r.sessions[sessionID]; ok && co.Alive() {
		return co, nil
	}

	pattern, err := r.loadPattern(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	co := newCoordinator(sessionID, pattern, r.cfg, r.store, r.counters, r.log)
	r.sessions[sessionID] = co
	go co.Run()
	return co, nil
}

func (r *Registry) loadPattern(ctx context.Context, sessionID string) (*state.Pattern, error) {
	doc, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return state.NewPattern(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rehydrate session %s: %w", sessionID, err)
	}
	var pattern state.Pattern
	if err := json.Unmarshal(doc, &pattern); err != nil {
		return nil, fmt.Errorf("decode persisted session %s: %w", sessionID, err)
	}
	return &pattern, nil
}

// EvictIdle flushes and stops sessions idle past the eviction window. A
// candidate stays in the map until its Stop returns, so a concurrent Acquire
// lands on the coordinator still holding the freshest state instead of
// rehydrating from a store the final flush has not reached yet.
func (r *Registry) EvictIdle(ctx context.Context, now time.Time) {
	r.mu.Lock()
	candidates := make([]*Coordinator, 0)
	for id, co := range r.sessions {
		if !co.Alive() {
			delete(r.sessions, id)
			continue
		}
		if co.IdleSince(now) > r.cfg.EvictAfter {
			candidates = append(candidates, co)
		}
	}
	r.mu.Unlock()

	for _, co := range candidates {
		// A connection may have arrived since the sweep.
		if co.IdleSince(now) <= r.cfg.EvictAfter {
			continue
		}
		if err := co.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("session", co.SessionID()).Msg("eviction stop timed out")
			continue
		}
		r.mu.Lock()
		if r.sessions[co.SessionID()] == co {
			delete(r.sessions, co.SessionID())
		}
		r.mu.Unlock()
		r.counters.IncrementSessionEvicted()
		r.log.Info().Str("session", co.SessionID()).Msg("evicted idle session")
	}
}

// RunEviction loops the idle sweep until the context is cancelled.
func (r *Registry) RunEviction(ctx context.Context) {
	interval := r.cfg.EvictAfter / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictIdle(ctx, now)
		}
	}
}

// Diagnostics collects the per-session diagnostics of every live session.
func (r *Registry) Diagnostics(ctx context.Context) []Diagnostics {
	r.mu.Lock()
	live := make([]*Coordinator, 0, len(r.sessions))
	for _, co := range r.sessions {
		if co.Alive() {
			live = append(live, co)
		}
	}
	r.mu.Unlock()

	out := make([]Diagnostics, 0, len(live))
	for _, co := range live {
		diag, err := co.Diagnostics(ctx)
		if err != nil {
			continue
		}
		out = append(out, diag)
	}
	return out
}

// Close stops every live session, flushing each one.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	live := make([]*Coordinator, 0, len(r.sessions))
	for id, co := range r.sessions {
		live = append(live, co)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, co := range live {
		if err := co.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("session", co.SessionID()).Msg("shutdown stop timed out")
		}
	}
}
