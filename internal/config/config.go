// Package config provides the configuration schema and loader for the
// voicebridge server.
package config

import "time"

// LogLevel controls log verbosity for the voicebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects where session state is persisted between
// reconnects.
type StorageBackend string

const (
	// StorageInMemory keeps sessions in process memory with LRU
	// eviction. State is lost on restart.
	StorageInMemory StorageBackend = "in_memory"

	// StorageExternalKV persists sessions in an external key-value
	// store so calls survive a bridge restart.
	StorageExternalKV StorageBackend = "external_kv"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageInMemory || b == StorageExternalKV
}

// Config is the root configuration structure for voicebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AI        AIConfig        `yaml:"ai"`
	Session   SessionConfig   `yaml:"session"`
	Recording RecordingConfig `yaml:"recording"`
	CallLog   CallLogConfig   `yaml:"calllog"`
}

// ServerConfig holds network and logging settings for the bridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AIConfig configures the AI-service leg opened for every call.
type AIConfig struct {
	// Model selects the AI-service model variant.
	Model string `yaml:"model"`

	// Voice is the voice identifier used for outbound speech.
	Voice string `yaml:"voice"`

	// BaseURL overrides the AI service endpoint. Leave empty for the
	// service default.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates the AI-service connection.
	APIKey string `yaml:"api_key"`

	// Temperature is passed through to the session configuration.
	// Zero keeps the service default.
	Temperature float64 `yaml:"temperature"`

	// MaxOutputTokens caps response length. Zero keeps the service
	// default.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// VADEnabled turns on server-side voice-activity detection.
	// Defaults to true.
	VADEnabled *bool `yaml:"vad_enabled"`

	// TranscriptionModel selects the model transcribing caller audio.
	// Empty keeps the persona's choice (whisper-1 unless the persona
	// says otherwise). Without input transcription the service emits no
	// caller-side transcript events.
	TranscriptionModel string `yaml:"transcription_model"`

	// UseLocalAI replaces the AI-service leg with an in-process mock.
	// Useful for development and load testing without network access.
	UseLocalAI bool `yaml:"use_local_ai"`
}

// VAD reports whether server-side voice-activity detection is enabled,
// applying the default (true) when unset.
func (a AIConfig) VAD() bool {
	return a.VADEnabled == nil || *a.VADEnabled
}

// SessionConfig controls session persistence and resume eligibility.
type SessionConfig struct {
	// MaxAgeSeconds bounds how stale a session may be and still be
	// resumed by a reconnecting platform leg. Default 3600.
	MaxAgeSeconds int `yaml:"max_age_seconds"`

	// StorageBackend selects the persistence backend. Default in_memory.
	StorageBackend StorageBackend `yaml:"storage_backend"`

	// Redis parameterises the external_kv backend. Ignored for
	// in_memory.
	Redis RedisConfig `yaml:"redis"`
}

// MaxAge returns the resume window as a duration.
func (s SessionConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeSeconds) * time.Second
}

// RedisConfig parameterises the external key-value session backend.
type RedisConfig struct {
	// URL is the connection URL (e.g., "redis://localhost:6379/0").
	URL string `yaml:"url"`

	// KeyPrefix namespaces every key written by the bridge.
	KeyPrefix string `yaml:"key_prefix"`

	// TTLSeconds is the per-key time-to-live. Zero uses the session
	// max age.
	TTLSeconds int `yaml:"ttl_seconds"`

	// MaxConnections caps the client connection pool.
	MaxConnections int `yaml:"max_connections"`
}

// RecordingConfig controls per-call audio and transcript capture.
type RecordingConfig struct {
	// Enabled turns call recording on. Default true.
	Enabled *bool `yaml:"enabled"`

	// Dir is the directory under which one subdirectory per call is
	// created. Default "./recordings".
	Dir string `yaml:"dir"`
}

// On reports whether recording is enabled, applying the default (true)
// when unset.
func (r RecordingConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// CallLogConfig controls call-detail-record persistence.
type CallLogConfig struct {
	// PostgresDSN is the connection string for the CDR store.
	// Empty disables CDR persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}
