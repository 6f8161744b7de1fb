package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] for fields left unset.
const (
	DefaultListenAddr    = ":8080"
	DefaultMaxAgeSeconds = 3600
	DefaultRecordingDir  = "./recordings"
	DefaultKeyPrefix     = "voicebridge"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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
// validates the result. Useful in tests where configs are constructed
// from string literals. Unknown YAML fields are rejected and ${VAR}
// references are expanded from the environment, so secrets like API
// keys can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.MaxAgeSeconds == 0 {
		cfg.Session.MaxAgeSeconds = DefaultMaxAgeSeconds
	}
	if cfg.Session.StorageBackend == "" {
		cfg.Session.StorageBackend = StorageInMemory
	}
	if cfg.Session.Redis.KeyPrefix == "" {
		cfg.Session.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Session.Redis.TTLSeconds == 0 {
		cfg.Session.Redis.TTLSeconds = cfg.Session.MaxAgeSeconds
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = DefaultRecordingDir
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if !cfg.AI.UseLocalAI && cfg.AI.APIKey == "" {
		errs = append(errs, errors.New("ai.api_key is required unless ai.use_local_ai is true"))
	}
	if cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("ai.temperature %.2f is out of range [0, 2]", cfg.AI.Temperature))
	}
	if cfg.AI.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("ai.max_output_tokens %d must not be negative", cfg.AI.MaxOutputTokens))
	}

	if cfg.Session.MaxAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.max_age_seconds %d must not be negative", cfg.Session.MaxAgeSeconds))
	}
	if cfg.Session.StorageBackend != "" && !cfg.Session.StorageBackend.IsValid() {
		errs = append(errs, fmt.Errorf("session.storage_backend %q is invalid; valid values: in_memory, external_kv", cfg.Session.StorageBackend))
	}
	if cfg.Session.StorageBackend == StorageExternalKV && cfg.Session.Redis.URL == "" {
		errs = append(errs, errors.New("session.redis.url is required when storage_backend is external_kv"))
	}
	if cfg.Session.Redis.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("session.redis.max_connections %d must not be negative", cfg.Session.Redis.MaxConnections))
	}

	if cfg.AI.UseLocalAI && cfg.AI.APIKey != "" {
		slog.Warn("ai.use_local_ai is set; ai.api_key will be ignored")
	}
	if !cfg.Recording.On() && cfg.Recording.Dir != DefaultRecordingDir {
		slog.Warn("recording.dir is set but recording is disabled", "dir", cfg.Recording.Dir)
	}

	return errors.Join(errs...)
}
