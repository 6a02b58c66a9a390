package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quiltdb/quilt/internal/engine"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/store"
	"github.com/quiltdb/quilt/internal/sync"
)

// Config is one peer's YAML configuration file.
type Config struct {
	// Workspace all operations and sync sessions belong to.
	Workspace string `yaml:"workspace"`

	// KeyFile holds the hex-encoded Ed25519 seed (written by keygen).
	KeyFile string `yaml:"key_file"`

	// Store is the SQLite oplog path.
	Store string `yaml:"store"`

	// Listen is the serve address, e.g. ":7420".
	Listen string `yaml:"listen,omitempty"`

	// Peers lists sync endpoints, e.g. "ws://host:7420/sync".
	Peers []string `yaml:"peers,omitempty"`

	// Durations as strings ("5m", "168h", "30s"). Zero means the package
	// defaults.
	MaxDrift       string `yaml:"max_drift,omitempty"`
	StaleThreshold string `yaml:"stale_threshold,omitempty"`
	Timeout        string `yaml:"timeout,omitempty"`
}

// LoadConfig reads and validates a peer config. Unknown fields are
// rejected so typos fail loudly.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Workspace == "" {
		return nil, fmt.Errorf("invalid config: workspace is required")
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("invalid config: key_file is required")
	}
	if cfg.Store == "" {
		return nil, fmt.Errorf("invalid config: store is required")
	}
	for _, field := range []struct{ name, value string }{
		{"max_drift", cfg.MaxDrift},
		{"stale_threshold", cfg.StaleThreshold},
		{"timeout", cfg.Timeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return nil, fmt.Errorf("invalid config: %s: %w", field.name, err)
		}
	}
	return &cfg, nil
}

func (c *Config) duration(s string) time.Duration {
	d, _ := time.ParseDuration(s) // validated at load
	return d
}

// Env is the opened runtime behind most commands: store, keypair, and
// engine, built from one config file.
type Env struct {
	Config *Config
	Keys   *identity.Keypair
	Store  *store.Store
	Engine *engine.Engine
	Logger *slog.Logger
}

// OpenEnv loads the config and opens the store, keypair, and engine.
func OpenEnv(ctx context.Context, configPath string, verbose bool) (*Env, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	kp, err := identity.Load(cfg.KeyFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load key", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	engOpts := []engine.Option{engine.WithLogger(logger)}
	if d := cfg.duration(cfg.MaxDrift); d > 0 {
		// The engine must tolerate at least the drift the sync ingest
		// pipeline accepts, or a synced-in op could block authoring.
		engOpts = append(engOpts, engine.WithMaxDrift(d))
	}
	eng, err := engine.New(ctx, st, kp, engOpts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}

	return &Env{Config: cfg, Keys: kp, Store: st, Engine: eng, Logger: logger}, nil
}

// Close releases the store.
func (e *Env) Close() {
	e.Store.Close()
}

// SyncConfig builds the sync session configuration for this peer.
func (e *Env) SyncConfig() *sync.Config {
	return &sync.Config{
		Workspace:      e.Config.Workspace,
		Actor:          e.Keys.ActorID(),
		Store:          e.Store,
		Clock:          e.Engine.Clock(),
		Logger:         e.Logger,
		Timeout:        e.Config.duration(e.Config.Timeout),
		MaxDrift:       e.Config.duration(e.Config.MaxDrift),
		StaleThreshold: e.Config.duration(e.Config.StaleThreshold),
	}
}
