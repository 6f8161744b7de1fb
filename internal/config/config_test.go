package config

import (
	"testing"
	"time"
)

func TestLogLevelIsValid(t *testing.T) {
	valid := []LogLevel{LogDebug, LogInfo, LogWarn, LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false, want true", l)
		}
	}
	for _, l := range []LogLevel{"", "trace", "DEBUG", "verbose"} {
		if l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = true, want false", l)
		}
	}
}

func TestStorageBackendIsValid(t *testing.T) {
	for _, b := range []StorageBackend{StorageInMemory, StorageExternalKV} {
		if !b.IsValid() {
			t.Errorf("StorageBackend(%q).IsValid() = false, want true", b)
		}
	}
	for _, b := range []StorageBackend{"", "redis", "memory", "postgres"} {
		if b.IsValid() {
			t.Errorf("StorageBackend(%q).IsValid() = true, want false", b)
		}
	}
}

func TestAIConfigVADDefault(t *testing.T) {
	var a AIConfig
	if !a.VAD() {
		t.Error("VAD() = false for unset vad_enabled, want true (default)")
	}
	off := false
	a.VADEnabled = &off
	if a.VAD() {
		t.Error("VAD() = true with vad_enabled: false")
	}
}

func TestRecordingConfigOnDefault(t *testing.T) {
	var r RecordingConfig
	if !r.On() {
		t.Error("On() = false for unset enabled, want true (default)")
	}
	off := false
	r.Enabled = &off
	if r.On() {
		t.Error("On() = true with enabled: false")
	}
}

func TestSessionConfigMaxAge(t *testing.T) {
	s := SessionConfig{MaxAgeSeconds: 90}
	if got := s.MaxAge(); got != 90*time.Second {
		t.Errorf("MaxAge() = %v, want 90s", got)
	}
}
