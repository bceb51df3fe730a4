package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"jamgrid/internal/proto"
	"jamgrid/internal/session"
	"jamgrid/internal/state"
	"jamgrid/internal/store"
	"jamgrid/internal/telemetry"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.HashProbeInterval = time.Hour
	return startServerCfg(t, cfg)
}

func startServerCfg(t *testing.T, cfg session.Config) *httptest.Server {
	t.Helper()
	registry := session.NewRegistry(cfg, store.NewMemory(), telemetry.NewCounters(), zerolog.Nop())
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		co, err := registry.Acquire(r.Context(), "jam")
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		co.Serve(sock, r.URL.Query().Get("token"), r.URL.Query().Get("name"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		registry.Close(ctx)
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startEngine(t *testing.T, srv *httptest.Server, identity IdentityStore) *Engine {
	t.Helper()
	engine := New(Options{
		URL:      wsURL(srv),
		Name:     "tester",
		Identity: identity,
		Logger:   zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("engine did not stop in time")
		}
	})
	return engine
}

func TestEngineSyncsAndConfirms(t *testing.T) {
	srv := startServer(t)
	engine := startEngine(t, srv, &MemoryIdentity{})

	waitUntil(t, 3*time.Second, func() bool { return engine.Pattern() != nil }, "no snapshot received")
	if engine.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", engine.Status())
	}

	if err := engine.SendIntent("tempo", 150); err != nil {
		t.Fatalf("send intent: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		p := engine.Pattern()
		return p != nil && p.Tempo == 150
	}, "effect never applied to the local projection")
	waitUntil(t, 3*time.Second, func() bool {
		return engine.TrackerStats().Pending == 0
	}, "echo never resolved the pending mutation")
}

func TestEngineReconnectResumesIdentity(t *testing.T) {
	srv := startServer(t)
	identity := &MemoryIdentity{}

	ctx, cancel := context.WithCancel(context.Background())
	first := New(Options{URL: wsURL(srv), Identity: identity, Logger: zerolog.Nop()})
	done := make(chan struct{})
	go func() {
		defer close(done)
		first.Run(ctx)
	}()
	waitUntil(t, 3*time.Second, func() bool { return first.SelfID() != "" }, "first engine never joined")
	firstID := first.SelfID()
	cancel()
	<-done

	second := startEngine(t, srv, identity)
	waitUntil(t, 3*time.Second, func() bool { return second.SelfID() != "" }, "second engine never joined")
	if second.SelfID() != firstID {
		t.Fatalf("identity not resumed: %q vs %q", second.SelfID(), firstID)
	}
}

func TestEngineQueuesOfflineIntents(t *testing.T) {
	srv := startServer(t)
	engine := New(Options{URL: wsURL(srv), Identity: &MemoryIdentity{}, Logger: zerolog.Nop()})

	// Not running yet: the intent must land in the offline queue.
	if err := engine.SendIntent("tempo", 200); err != nil {
		t.Fatalf("offline send must not fail: %v", err)
	}
	if engine.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", engine.QueueLen())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitUntil(t, 3*time.Second, func() bool {
		p := engine.Pattern()
		return p != nil && p.Tempo == 200
	}, "queued intent never replayed")
	if engine.QueueLen() != 0 {
		t.Fatalf("queue not drained: %d", engine.QueueLen())
	}
}

func TestEngineRequestsResyncWhenBehindAuthority(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.HashProbeInterval = 50 * time.Millisecond
	srv := startServerCfg(t, cfg)
	engine := startEngine(t, srv, &MemoryIdentity{})

	waitUntil(t, 3*time.Second, func() bool { return engine.Pattern() != nil }, "no snapshot received")
	if err := engine.SendIntent("tempo", 150); err != nil {
		t.Fatalf("send intent: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		p := engine.Pattern()
		return p != nil && p.Tempo == 150 && engine.TrackerStats().Pending == 0
	}, "intent never confirmed")

	// Rewind the projection as if the effect broadcast had been missed:
	// behind the authority, nothing pending.
	engine.mu.Lock()
	engine.pattern = state.NewPattern()
	engine.version = 0
	engine.mu.Unlock()

	// The next hash probe carries a version ahead of the projection; with
	// zero pendings that is unexplained divergence and must trigger a
	// resync snapshot.
	waitUntil(t, 3*time.Second, func() bool {
		p := engine.Pattern()
		return p != nil && p.Tempo == 150 && p.Version == 1
	}, "divergence behind the authority was never repaired")
}

type connectSender struct {
	mu     sync.Mutex
	engine *Engine
	sent   bool
}

func (s *connectSender) bind(e *Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = e
}

func (s *connectSender) OnStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status != StatusConnected || s.sent || s.engine == nil {
		return
	}
	s.sent = true
	s.engine.SendIntent("tempo", 90)
}

func (s *connectSender) OnSnapshot(*state.Pattern, []proto.PlayerInfo) {}
func (s *connectSender) OnEffect(string, json.RawMessage, string)      {}
func (s *connectSender) OnRoster([]proto.PlayerInfo)                   {}

func TestEngineReplaysQueueBeforeConnectTimeIntents(t *testing.T) {
	srv := startServer(t)
	sender := &connectSender{}
	engine := New(Options{
		URL:      wsURL(srv),
		Identity: &MemoryIdentity{},
		Logger:   zerolog.Nop(),
		Listener: sender,
	})
	sender.bind(engine)

	// Queued while offline; must reach the coordinator before the intent
	// the listener fires on the connected signal.
	if err := engine.SendIntent("tempo", 150); err != nil {
		t.Fatalf("offline send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Last write wins: the connect-time intent (90) must land after the
	// replayed queue entry (150), so 90 is the surviving value.
	waitUntil(t, 3*time.Second, func() bool {
		p := engine.Pattern()
		return p != nil && p.Version == 2 && p.Tempo == 90
	}, "queued intent was not replayed ahead of the connect-time intent")
}

func TestEngineLocalControlsStayLocal(t *testing.T) {
	srv := startServer(t)
	engine := startEngine(t, srv, &MemoryIdentity{})
	waitUntil(t, 3*time.Second, func() bool { return engine.Pattern() != nil }, "no snapshot received")

	engine.SetMuted("track-1", true)
	engine.SetSolo("track-2", true)
	if !engine.IsMuted("track-1") || !engine.IsSolo("track-2") {
		t.Fatal("local controls not recorded")
	}

	// Nothing went on the wire, so nothing is pending and the version is
	// untouched.
	if engine.TrackerStats().Pending != 0 {
		t.Fatal("mute/solo must not produce tracked mutations")
	}
	if p := engine.Pattern(); p.Version != 0 {
		t.Fatalf("version = %d, local controls must not mutate the document", p.Version)
	}
}
