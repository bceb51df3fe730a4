// Headless session client. Connects to a jam session, mirrors the pattern
// locally, and logs every event. Useful for soak-testing a server and for
// watching a session without a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"jamgrid/internal/client"
	"jamgrid/internal/proto"
	"jamgrid/internal/state"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "server base URL")
	sessionID := flag.String("session", "default", "session to join")
	name := flag.String("name", "headless", "player name")
	identityPath := flag.String("identity", defaultIdentityPath(), "identity token file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()

	engine := client.New(client.Options{
		URL:      fmt.Sprintf("%s/ws/%s", *serverURL, *sessionID),
		Name:     *name,
		Identity: client.NewFileIdentity(*identityPath),
		Logger:   logger,
		Listener: &eventLogger{log: logger},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reportStats(ctx, engine, logger)

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("engine stopped")
	}
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jamgrid-identity"
	}
	return filepath.Join(home, ".jamgrid", "identity")
}

func reportStats(ctx context.Context, engine *client.Engine, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := engine.TrackerStats()
			log.Info().
				Int("pending", stats.Pending).
				Dur("clock_offset", engine.Clock().Offset()).
				Dur("rtt", engine.Clock().SmoothedRTT()).
				Int("queued", engine.QueueLen()).
				Msg("engine stats")
		}
	}
}

type eventLogger struct {
	log zerolog.Logger
}

func (e *eventLogger) OnSnapshot(p *state.Pattern, roster []proto.PlayerInfo) {
	e.log.Info().
		Uint64("version", p.Version).
		Float64("tempo", p.Tempo).
		Int("tracks", len(p.Tracks)).
		Int("players", len(roster)).
		Msg("snapshot")
}

func (e *eventLogger) OnEffect(target string, value json.RawMessage, playerID string) {
	e.log.Info().
		Str("target", target).
		RawJSON("value", value).
		Str("by", playerID).
		Msg("effect")
}

func (e *eventLogger) OnRoster(roster []proto.PlayerInfo) {
	names := make([]string, 0, len(roster))
	for _, p := range roster {
		names = append(names, p.Name)
	}
	e.log.Info().Strs("players", names).Msg("roster changed")
}

func (e *eventLogger) OnStatus(status client.Status) {
	e.log.Info().Str("status", string(status)).Msg("connection status")
}
