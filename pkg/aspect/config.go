package aspect

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Config holds weaver settings. It can be loaded from TOML:
//
//	strict = true
//	max_chain_length = 16
//	default_ttl = "30s"
//	disabled = ["tracing"]
//
//	[dashboard]
//	enabled = true
//	port = 9191
type Config struct {
	Strict         bool            `toml:"strict"`           // Ambiguous selections fail
	MaxChainLength int             `toml:"max_chain_length"` // Maximum advices per target, 0 = unlimited
	MaxTargets     int             `toml:"max_targets"`      // Maximum intercepted targets, 0 = unlimited
	DefaultTTL     Duration        `toml:"default_ttl"`      // Applied to weaves without WithTTL, 0 = forever
	Disabled       []string        `toml:"disabled"`         // Advice names switched off
	Dashboard      DashboardConfig `toml:"dashboard"`
	Metrics        MetricsConfig   `toml:"metrics"`
}

// DashboardConfig configures the inspector server.
type DashboardConfig struct {
	Enabled    bool `toml:"enabled"`
	Port       int  `toml:"port"`
	MaxClients int  `toml:"max_clients"`
}

// MetricsConfig configures invocation metrics exposition.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// Duration is a time.Duration written as a string ("250ms", "1m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns reasonable defaults
func DefaultConfig() *Config {
	return &Config{
		MaxChainLength: 64,
		MaxTargets:     10000,
		Dashboard: DashboardConfig{
			Port:       9191,
			MaxClients: 100,
		},
		Metrics: MetricsConfig{
			Namespace: "aspect",
		},
	}
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Disabled = slices.Clone(c.Disabled)
	return &cp
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.MaxChainLength < 0 {
		return fmt.Errorf("aspect: max_chain_length must not be negative, got %d", c.MaxChainLength)
	}
	if c.MaxTargets < 0 {
		return fmt.Errorf("aspect: max_targets must not be negative, got %d", c.MaxTargets)
	}
	if c.DefaultTTL.Duration < 0 {
		return fmt.Errorf("aspect: default_ttl must not be negative, got %s", c.DefaultTTL)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("aspect: dashboard port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// ParseConfig decodes TOML on top of DefaultConfig and validates the result.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("aspect: parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("aspect: unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("aspect: load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("aspect: %s: unknown config key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WatchConfig reloads path whenever it changes and hands each valid
// configuration to apply. Invalid files are logged and skipped. The directory
// is watched rather than the file so editors that replace files on save are
// followed. WatchConfig blocks until ctx is done.
func WatchConfig(ctx context.Context, path string, logger *zap.Logger, apply func(*Config) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("aspect: watch config: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("aspect: watch config: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("aspect: watch config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(abs)
			if err != nil {
				logger.Warn("config reload failed", zap.String("path", abs), zap.Error(err))
				continue
			}
			if err := apply(cfg); err != nil {
				logger.Warn("config rejected", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", abs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
