// Package config loads the core's tunables from the environment, adapted
// from the teacher's config.go (caarlos0/env struct tags, godotenv for
// local development, a Validate pass before use).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every configuration option spec section 6 lists as
// recognized by the core.
type Config struct {
	BufferPoolBufferSize        int `env:"SESSRELAY_BUFFER_SIZE" envDefault:"1024"`
	BufferPoolMaxTotalSpaceBytes int `env:"SESSRELAY_MAX_TOTAL_BYTES" envDefault:"1024000"`

	MaxSessionConnectWaitTime     time.Duration `env:"SESSRELAY_MAX_CONNECT_WAIT" envDefault:"5s"`
	MaxSessionCloseWaitTime       time.Duration `env:"SESSRELAY_MAX_CLOSE_WAIT" envDefault:"1s"`
	MaxSessionAutoReconnectWait   time.Duration `env:"SESSRELAY_MAX_RECONNECT_WAIT" envDefault:"1s"`
	NominalKeepAliveSendInterval  time.Duration `env:"SESSRELAY_KEEPALIVE_INTERVAL" envDefault:"15s"`
	ConnectionDegradedHoldoff     time.Duration `env:"SESSRELAY_DEGRADED_HOLDOFF" envDefault:"3s"`
	AutoReconnectHoldoff          time.Duration `env:"SESSRELAY_AUTO_RECONNECT_HOLDOFF" envDefault:"0s"`

	RetransmitHoldoff time.Duration `env:"SESSRELAY_RETRANSMIT_HOLDOFF" envDefault:"500ms"`
	MaxHeldBuffers    int           `env:"SESSRELAY_MAX_HELD_BUFFERS" envDefault:"256"`
	MaxHeldTime       time.Duration `env:"SESSRELAY_MAX_HELD_TIME" envDefault:"30s"`

	AckCoalesceThreshold uint64        `env:"SESSRELAY_ACK_COALESCE_THRESHOLD" envDefault:"8"`
	AckCoalesceHoldoff   time.Duration `env:"SESSRELAY_ACK_COALESCE_HOLDOFF" envDefault:"50ms"`

	LogLevel  string `env:"SESSRELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SESSRELAY_LOG_FORMAT" envDefault:"json"`

	ListenAddr  string `env:"SESSRELAY_LISTEN_ADDR" envDefault:":8088"`
	MetricsAddr string `env:"SESSRELAY_METRICS_ADDR" envDefault:":9090"`
	NATSUrl     string `env:"SESSRELAY_NATS_URL" envDefault:""`

	AdmissionCPURejectPercent float64 `env:"SESSRELAY_CPU_REJECT_PERCENT" envDefault:"85"`
	SweepInterval             time.Duration `env:"SESSRELAY_SWEEP_INTERVAL" envDefault:"10s"`
	TickInterval              time.Duration `env:"SESSRELAY_TICK_INTERVAL" envDefault:"20ms"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then validates it. Priority: env vars > .env file > defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is not fatal; production deployments set real env vars.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate applies the range/logical/enum checks spec section 6 implies.
func (c *Config) Validate() error {
	if c.BufferPoolBufferSize < 128 || c.BufferPoolBufferSize > 16384 {
		return fmt.Errorf("SESSRELAY_BUFFER_SIZE must be 128-16384, got %d", c.BufferPoolBufferSize)
	}
	if c.MaxHeldBuffers < 1 {
		return fmt.Errorf("SESSRELAY_MAX_HELD_BUFFERS must be > 0, got %d", c.MaxHeldBuffers)
	}
	if c.RetransmitHoldoff <= 0 {
		return fmt.Errorf("SESSRELAY_RETRANSMIT_HOLDOFF must be > 0, got %s", c.RetransmitHoldoff)
	}
	if c.MaxHeldTime <= c.RetransmitHoldoff {
		return fmt.Errorf("SESSRELAY_MAX_HELD_TIME (%s) must exceed SESSRELAY_RETRANSMIT_HOLDOFF (%s)",
			c.MaxHeldTime, c.RetransmitHoldoff)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SESSRELAY_LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SESSRELAY_LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("SESSRELAY_TICK_INTERVAL must be > 0, got %s", c.TickInterval)
	}
	return nil
}
