package config

import (
	"strings"
	"testing"
)

const fullConfig = `
server:
  listen_addr: ":9090"
  log_level: debug
ai:
  model: gpt-4o-realtime-preview
  voice: alloy
  api_key: sk-test
  temperature: 0.8
  max_output_tokens: 4096
  vad_enabled: true
  transcription_model: whisper-1
session:
  max_age_seconds: 1800
  storage_backend: external_kv
  redis:
    url: redis://localhost:6379/0
    key_prefix: vb-test
    ttl_seconds: 1800
    max_connections: 10
recording:
  enabled: true
  dir: /tmp/recordings
calllog:
  postgres_dsn: postgres://vb:vb@localhost:5432/voicebridge
`

func TestLoadFromReaderFull(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(fullConfig))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.AI.Model != "gpt-4o-realtime-preview" || cfg.AI.Voice != "alloy" {
		t.Errorf("AI config = %+v", cfg.AI)
	}
	if !cfg.AI.VAD() {
		t.Error("VAD() = false, want true")
	}
	if cfg.AI.TranscriptionModel != "whisper-1" {
		t.Errorf("TranscriptionModel = %q, want whisper-1", cfg.AI.TranscriptionModel)
	}
	if cfg.Session.StorageBackend != StorageExternalKV {
		t.Errorf("StorageBackend = %q, want external_kv", cfg.Session.StorageBackend)
	}
	if cfg.Session.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Session.Redis.URL)
	}
	if cfg.CallLog.PostgresDSN == "" {
		t.Error("CallLog.PostgresDSN is empty")
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("ai:\n  use_local_ai: true\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Session.MaxAgeSeconds != DefaultMaxAgeSeconds {
		t.Errorf("MaxAgeSeconds = %d, want %d", cfg.Session.MaxAgeSeconds, DefaultMaxAgeSeconds)
	}
	if cfg.Session.StorageBackend != StorageInMemory {
		t.Errorf("StorageBackend = %q, want in_memory", cfg.Session.StorageBackend)
	}
	if cfg.Session.Redis.TTLSeconds != DefaultMaxAgeSeconds {
		t.Errorf("Redis.TTLSeconds = %d, want session max age", cfg.Session.Redis.TTLSeconds)
	}
	if cfg.Recording.Dir != DefaultRecordingDir {
		t.Errorf("Recording.Dir = %q, want %q", cfg.Recording.Dir, DefaultRecordingDir)
	}
	if !cfg.Recording.On() {
		t.Error("Recording.On() = false, want true by default")
	}
}

func TestLoadFromReaderExpandsEnv(t *testing.T) {
	t.Setenv("VB_TEST_API_KEY", "sk-from-env")
	cfg, err := LoadFromReader(strings.NewReader("ai:\n  api_key: ${VB_TEST_API_KEY}\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.AI.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", cfg.AI.APIKey)
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: ':8080'\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing api key",
			yaml: "ai:\n  model: gpt-4o-realtime-preview\n",
			want: "ai.api_key is required",
		},
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\nai:\n  use_local_ai: true\n",
			want: "server.log_level",
		},
		{
			name: "bad storage backend",
			yaml: "ai:\n  use_local_ai: true\nsession:\n  storage_backend: cloud\n",
			want: "session.storage_backend",
		},
		{
			name: "external_kv without url",
			yaml: "ai:\n  use_local_ai: true\nsession:\n  storage_backend: external_kv\n",
			want: "session.redis.url is required",
		},
		{
			name: "temperature out of range",
			yaml: "ai:\n  use_local_ai: true\n  temperature: 3.5\n",
			want: "ai.temperature",
		},
		{
			name: "tls without key",
			yaml: "server:\n  tls:\n    cert_file: /etc/cert.pem\nai:\n  use_local_ai: true\n",
			want: "server.tls.key_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
