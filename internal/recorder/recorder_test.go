package recorder_test

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kverne/voicebridge/internal/recorder"
	"github.com/kverne/voicebridge/internal/transcript"
)

// readWAV parses a finalized WAV file into header fields and samples.
func readWAV(t *testing.T, path string) (rate, channels int, samples []int16) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(data) < 44 {
		t.Fatalf("%s too short: %d bytes", path, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("%s is not a WAV file", path)
	}
	channels = int(binary.LittleEndian.Uint16(data[22:24]))
	rate = int(binary.LittleEndian.Uint32(data[24:28]))
	dataLen := int(binary.LittleEndian.Uint32(data[40:44]))
	if dataLen != len(data)-44 {
		t.Fatalf("%s data chunk size %d does not match payload %d", path, dataLen, len(data)-44)
	}
	body := data[44:]
	samples = make([]int16, len(body)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}
	return rate, channels, samples
}

// pcm16 builds a buffer of n identical PCM16 samples.
func pcm16(n int, value int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

func TestRecorderWritesAllArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-1")
	r := recorder.New(dir)
	if err := r.Start(map[string]any{"conversation_id": "c1", "platform": "audiocodes"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.WriteCaller(pcm16(160, 100)) // 10 ms @ 16 kHz
	r.WriteBot(pcm16(240, -200))   // 10 ms @ 24 kHz
	r.AddTranscript(transcript.Entry{
		Timestamp: time.Now().UTC(), Channel: "caller", Kind: "input", Text: "hello",
	})
	r.AddEvent("session_started", map[string]any{"conversation_id": "c1"})

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, name := range []string{
		"caller.wav", "bot.wav", "stereo.wav", "final_stereo.wav",
		"transcript.json", "metadata.json", "events.json",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}

	rate, channels, samples := readWAV(t, filepath.Join(dir, "caller.wav"))
	if rate != 16000 || channels != 1 {
		t.Errorf("caller.wav format = %d Hz / %d ch", rate, channels)
	}
	if len(samples) != 160 {
		t.Errorf("caller.wav samples = %d, want 160", len(samples))
	}

	// 240 samples at 24 kHz resample to 160 at 16 kHz.
	_, _, botSamples := readWAV(t, filepath.Join(dir, "bot.wav"))
	if len(botSamples) != 160 {
		t.Errorf("bot.wav samples = %d, want 160", len(botSamples))
	}
}

func TestFinalStereoSymmetry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-2")
	r := recorder.New(dir)
	if err := r.Start(nil); err != nil {
		t.Fatal(err)
	}

	// Caller track longer than bot track.
	r.WriteCaller(pcm16(320, 1000))
	r.WriteBot(pcm16(240, -1000)) // becomes 160 samples at 16 kHz
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	rate, channels, samples := readWAV(t, filepath.Join(dir, "final_stereo.wav"))
	if rate != 16000 || channels != 2 {
		t.Fatalf("final_stereo.wav format = %d Hz / %d ch", rate, channels)
	}
	frames := len(samples) / 2
	if frames != 320 {
		t.Errorf("stereo frames = %d, want max(320, 160) = 320", frames)
	}
	// Caller is the left channel; bot right, zero-padded past 160.
	if samples[0] != 1000 || samples[1] != -1000 {
		t.Errorf("first frame = L:%d R:%d", samples[0], samples[1])
	}
	last := frames - 1
	if samples[last*2] != 1000 || samples[last*2+1] != 0 {
		t.Errorf("last frame = L:%d R:%d, want L:1000 R:0", samples[last*2], samples[last*2+1])
	}
}

func TestTranscriptJournalFormat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-3")
	r := recorder.New(dir)
	if err := r.Start(nil); err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC)
	r.AddTranscript(transcript.Entry{Timestamp: ts, Channel: "bot", Kind: "output", Text: "hi there"})
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "transcript.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "\n  {") {
		t.Error("transcript.json is not two-space indented")
	}

	var entries []transcript.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("transcript.json invalid: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "hi there" || !entries[0].Timestamp.Equal(ts) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestEmptyJournalsAreArrays(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-4")
	r := recorder.New(dir)
	if err := r.Start(nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"transcript.json", "events.json"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(string(raw)) != "[]" {
			t.Errorf("%s = %q, want []", name, raw)
		}
	}
}

func TestMetadataIncludesTiming(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-5")
	base := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	now := base
	r := recorder.New(dir, recorder.WithClock(func() time.Time { return now }))
	if err := r.Start(map[string]any{"caller": "+15550100"}); err != nil {
		t.Fatal(err)
	}
	now = base.Add(42 * time.Second)
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["caller"] != "+15550100" {
		t.Errorf("caller = %v", meta["caller"])
	}
	if meta["duration_seconds"] != float64(42) {
		t.Errorf("duration_seconds = %v", meta["duration_seconds"])
	}
	started, _ := meta["started_at"].(string)
	if !strings.Contains(started, "2025-04-02T08:00:00") {
		t.Errorf("started_at = %q", started)
	}
}

func TestStopIsIdempotentAndBlocksWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "call-6")
	r := recorder.New(dir)
	if err := r.Start(nil); err != nil {
		t.Fatal(err)
	}
	r.WriteCaller(pcm16(160, 5))
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	// Post-stop writes are silently dropped.
	r.WriteCaller(pcm16(160, 5))
	r.AddEvent("late", nil)

	_, _, samples := readWAV(t, filepath.Join(dir, "caller.wav"))
	if len(samples) != 160 {
		t.Errorf("caller samples after late write = %d, want 160", len(samples))
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	r := recorder.New(filepath.Join(t.TempDir(), "never-started"))
	if err := r.Stop(); err != nil {
		t.Fatalf("stop without start: %v", err)
	}
	if _, err := os.Stat(r.Dir()); !os.IsNotExist(err) {
		t.Error("stop created the directory")
	}
}
