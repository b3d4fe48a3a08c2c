package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Observer.ClipboardInterval == 0 {
		cfg.Observer.ClipboardInterval = DefaultClipboardInterval
	}
	if cfg.Observer.FocusedInterval == 0 {
		cfg.Observer.FocusedInterval = DefaultFocusedInterval
	}
	if cfg.Learning.MinApplyConfidence == 0 {
		cfg.Learning.MinApplyConfidence = DefaultMinApplyConfidence
	}
	if cfg.Learning.RescoreInterval == 0 {
		cfg.Learning.RescoreInterval = DefaultRescoreInterval
	}
	if cfg.Learning.PruneOlderThanDays == 0 {
		cfg.Learning.PruneOlderThanDays = DefaultPruneOlderThanDays
	}
	if cfg.Learning.PruneMinConfidence == 0 {
		cfg.Learning.PruneMinConfidence = DefaultPruneMinConfidence
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	switch cfg.Store.Backend {
	case "", BackendMemory:
		slog.Warn("store.backend is memory; learned patterns are lost on exit")
	case BackendBadger, BackendJSONL:
		if cfg.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for backend %q", cfg.Store.Backend))
		}
	case BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for backend \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: badger, jsonl, postgres, memory", cfg.Store.Backend))
	}

	// Observer
	if cfg.Observer.ClipboardInterval < 0 {
		errs = append(errs, fmt.Errorf("observer.clipboard_interval %v must be positive", cfg.Observer.ClipboardInterval))
	}
	if cfg.Observer.FocusedInterval < 0 {
		errs = append(errs, fmt.Errorf("observer.focused_interval %v must be positive", cfg.Observer.FocusedInterval))
	}
	if len(cfg.Observer.ClipboardCommand) > 0 && cfg.Observer.ClipboardCommand[0] == "" {
		errs = append(errs, errors.New("observer.clipboard_command[0] must name an executable"))
	}

	// Learning
	if c := cfg.Learning.MinApplyConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("learning.min_apply_confidence %.2f is out of range [0, 1]", c))
	}
	if c := cfg.Learning.PruneMinConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("learning.prune_min_confidence %.2f is out of range [0, 1]", c))
	}
	if cfg.Learning.PruneOlderThanDays < 0 {
		errs = append(errs, fmt.Errorf("learning.prune_older_than_days %d must not be negative", cfg.Learning.PruneOlderThanDays))
	}
	if cfg.Learning.RescoreInterval < 0 {
		errs = append(errs, fmt.Errorf("learning.rescore_interval %v must be positive", cfg.Learning.RescoreInterval))
	}

	return errors.Join(errs...)
}
