// Package config loads loomd's daemon configuration from the process
// environment (optionally seeded from a .env file), validating it the way
// the database config loader it's modeled on does: parse with production
// defaults, then reject the whole config on the first invalid field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the daemon's runtime configuration.
type Config struct {
	// HTTPAddr is where the echo server listens for hook ingestion and
	// WebSocket connections.
	HTTPAddr string

	// NatsBinPath is the path to the nats-server binary loomd supervises.
	NatsBinPath string
	// NatsStoreDir is the JetStream file store directory.
	NatsStoreDir string
	// NatsClientAddr is the address nats-server binds its client port to.
	NatsClientAddr string
	// NatsHTTPAddr is the address nats-server binds its monitoring port to.
	NatsHTTPAddr string

	// PostgresDSN is the connection string for the catchup index. Empty
	// disables the catchup index (event-id seeks/pagination then return an
	// error).
	PostgresDSN string

	// StateDir is the daemon's per-user state root, e.g.
	// $XDG_STATE_HOME/loomd. It is loaded and exposed here only; no
	// component reads or writes it.
	StateDir string

	// WriteTimeout bounds how long a WebSocket write may block before the
	// connection is dropped.
	WriteTimeout time.Duration

	// ReadyPollInterval and ReadyBound tune the dual-protocol NATS
	// readiness wait.
	ReadyPollInterval time.Duration
	ReadyBound        time.Duration
}

// Load reads configuration from the environment, first loading a .env
// file at path if one exists (missing file is not an error, matching
// godotenv.Load's own semantics when called with no args elsewhere in
// the ecosystem).
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	writeTimeout, err := parseDuration(getEnvOrDefault("LOOMD_WRITE_TIMEOUT", "5s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LOOMD_WRITE_TIMEOUT: %w", err)
	}
	pollInterval, err := parseDuration(getEnvOrDefault("LOOMD_READY_POLL_INTERVAL", "100ms"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LOOMD_READY_POLL_INTERVAL: %w", err)
	}
	readyBound, err := parseDuration(getEnvOrDefault("LOOMD_READY_BOUND", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid LOOMD_READY_BOUND: %w", err)
	}

	cfg := Config{
		HTTPAddr:          getEnvOrDefault("LOOMD_HTTP_ADDR", "127.0.0.1:7420"),
		NatsBinPath:       getEnvOrDefault("LOOMD_NATS_BIN", "nats-server"),
		NatsStoreDir:      getEnvOrDefault("LOOMD_NATS_STORE_DIR", defaultStateDir("jetstream")),
		NatsClientAddr:    getEnvOrDefault("LOOMD_NATS_CLIENT_ADDR", "127.0.0.1:4222"),
		NatsHTTPAddr:      getEnvOrDefault("LOOMD_NATS_HTTP_ADDR", "127.0.0.1:8222"),
		PostgresDSN:       os.Getenv("LOOMD_POSTGRES_DSN"),
		StateDir:          getEnvOrDefault("LOOMD_STATE_DIR", defaultStateDir("")),
		WriteTimeout:      writeTimeout,
		ReadyPollInterval: pollInterval,
		ReadyBound:        readyBound,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("LOOMD_HTTP_ADDR is required")
	}
	if c.NatsClientAddr == "" || c.NatsHTTPAddr == "" {
		return fmt.Errorf("LOOMD_NATS_CLIENT_ADDR and LOOMD_NATS_HTTP_ADDR are required")
	}
	if c.NatsClientAddr == c.NatsHTTPAddr {
		return fmt.Errorf("LOOMD_NATS_CLIENT_ADDR and LOOMD_NATS_HTTP_ADDR must differ")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("LOOMD_WRITE_TIMEOUT must be positive")
	}
	if c.ReadyPollInterval <= 0 || c.ReadyBound <= 0 {
		return fmt.Errorf("LOOMD_READY_POLL_INTERVAL and LOOMD_READY_BOUND must be positive")
	}
	return nil
}

// HasCatchupIndex reports whether a Postgres DSN was configured.
func (c Config) HasCatchupIndex() bool {
	return c.PostgresDSN != ""
}

func defaultStateDir(sub string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(base, "loomd")
	if sub != "" {
		dir = filepath.Join(dir, sub)
	}
	return dir
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
