// Package config reads client settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/gwillem/signal-state/internal/directory"
)

// Config holds the endpoints and tuning knobs of a client.
type Config struct {
	DBPath       string `env:"SIGNAL_DB"`
	ChatURL      string `env:"SIGNAL_CHAT_URL"      envDefault:"https://chat.signal.org"`
	WebSocketURL string `env:"SIGNAL_WEBSOCKET_URL" envDefault:"wss://chat.signal.org/v1/websocket/"`
	StorageURL   string `env:"SIGNAL_STORAGE_URL"   envDefault:"https://storage.signal.org"`
	DirectoryURL string `env:"SIGNAL_DIRECTORY_URL" envDefault:"https://cdsi.signal.org"`
	// CAFile is a PEM bundle to trust instead of the system roots.
	CAFile string `env:"SIGNAL_CA_FILE"`

	DiscoveryBatch     int           `env:"SIGNAL_DISCOVERY_BATCH"     envDefault:"5000"`
	MaxLookup          int           `env:"SIGNAL_MAX_LOOKUP"          envDefault:"20500"`
	ProfileTimeout     time.Duration `env:"SIGNAL_PROFILE_TIMEOUT"     envDefault:"5s"`
	ProfileConcurrency int           `env:"SIGNAL_PROFILE_CONCURRENCY" envDefault:"16"`
	ProfileRate        float64       `env:"SIGNAL_PROFILE_RATE"        envDefault:"20"`
	KeepAlive          time.Duration `env:"SIGNAL_KEEPALIVE"           envDefault:"30s"`
	MultiDevice        bool          `env:"SIGNAL_MULTI_DEVICE"`
}

// Load parses the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.MaxLookup <= 0 {
		return nil, fmt.Errorf("config: SIGNAL_MAX_LOOKUP must be positive, got %d", cfg.MaxLookup)
	}
	return &cfg, nil
}

// Directory returns the refresher settings.
func (c *Config) Directory() directory.Config {
	d := directory.DefaultConfig()
	d.MaxLookup = c.MaxLookup
	d.ProfileTimeout = c.ProfileTimeout
	if c.ProfileConcurrency > 0 {
		d.ProfileConcurrency = c.ProfileConcurrency
	}
	d.ProfileRate = rate.Limit(c.ProfileRate)
	d.ProfileBurst = max(1, int(c.ProfileRate))
	d.MultiDevice = c.MultiDevice
	return d
}
