// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration. Every field has a sensible
// default so a bare `jamgrid-server` starts a standalone in-memory instance.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty   bool   `env:"LOG_PRETTY" envDefault:"false"`

	PruneInterval      time.Duration `env:"PRUNE_INTERVAL" envDefault:"5s"`
	StalenessThreshold time.Duration `env:"STALENESS_THRESHOLD" envDefault:"30s"`
	HashProbeInterval  time.Duration `env:"HASH_PROBE_INTERVAL" envDefault:"10s"`
	PersistDebounce    time.Duration `env:"PERSIST_DEBOUNCE" envDefault:"3s"`
	SendQueueDepth     int           `env:"SEND_QUEUE_DEPTH" envDefault:"64"`
	EvictAfter         time.Duration `env:"SESSION_EVICT_AFTER" envDefault:"15m"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
