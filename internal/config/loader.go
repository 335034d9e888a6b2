package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Vendors: failover needs both sides configured.
	if cfg.Vendors.OpenAI.URL == "" {
		errs = append(errs, errors.New("vendors.openai.url is required"))
	}
	if cfg.Vendors.Gemini.URL == "" {
		errs = append(errs, errors.New("vendors.gemini.url is required"))
	}

	// Switch
	if cfg.Switch.ThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("switch.threshold_ms %d must not be negative", cfg.Switch.ThresholdMs))
	}
	if cfg.Switch.Consecutive < 0 {
		errs = append(errs, fmt.Errorf("switch.consecutive %d must not be negative", cfg.Switch.Consecutive))
	}

	// Upstream
	if cfg.Upstream.ConnectTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("upstream.connect_timeout_ms %d must not be negative", cfg.Upstream.ConnectTimeoutMs))
	}
	if cfg.Upstream.PingIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("upstream.ping_interval_ms %d must not be negative", cfg.Upstream.PingIntervalMs))
	}
	if cfg.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries %d must not be negative", cfg.Upstream.MaxRetries))
	}

	// Persistence
	switch {
	case cfg.Persistence.Backend == "":
		errs = append(errs, errors.New("persistence.backend is required; valid values: file, postgres"))
	case !cfg.Persistence.Backend.IsValid():
		errs = append(errs, fmt.Errorf("persistence.backend %q is invalid; valid values: file, postgres", cfg.Persistence.Backend))
	case cfg.Persistence.Backend == BackendFile && cfg.Persistence.FileRoot == "":
		errs = append(errs, errors.New("persistence.file_root is required when backend is file"))
	case cfg.Persistence.Backend == BackendPostgres && cfg.Persistence.PostgresDSN == "":
		errs = append(errs, errors.New("persistence.postgres_dsn is required when backend is postgres"))
	}

	return errors.Join(errs...)
}
