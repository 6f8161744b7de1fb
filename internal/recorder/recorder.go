// Package recorder captures per-call artifacts: parallel caller/bot WAV
// files, a stereo mixdown, and JSON journals for transcripts, metadata
// and events.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kverne/voicebridge/internal/session"
	"github.com/kverne/voicebridge/internal/transcript"
	"github.com/kverne/voicebridge/pkg/audio"
)

// recordRate is the stored sample rate for every track. Bot audio is
// resampled down from the AI service rate on write.
const recordRate = 16000

// Artifact file names inside the per-call directory.
const (
	fileCaller      = "caller.wav"
	fileBot         = "bot.wav"
	fileStereo      = "stereo.wav"
	fileFinalStereo = "final_stereo.wav"
	fileTranscript  = "transcript.json"
	fileMetadata    = "metadata.json"
	fileEvents      = "events.json"
)

var _ transcript.Sink = (*Recorder)(nil)

// Event is one journalled session event.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Recorder writes all artifacts for one call. Safe for concurrent use;
// the bridge funnels both read loops through it.
type Recorder struct {
	dir    string
	aiRate int
	now    func() time.Time

	mu          sync.Mutex
	started     bool
	stopped     bool
	startedAt   time.Time
	callerW     *audio.WAVWriter
	botW        *audio.WAVWriter
	stereoW     *audio.WAVWriter
	files       []*os.File
	callerBuf   []byte
	botBuf      []byte
	transcripts []transcript.Entry
	events      []Event
	metadata    map[string]any
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithAIRate overrides the assumed AI-service sample rate for bot
// audio.
func WithAIRate(rate int) Option {
	return func(r *Recorder) { r.aiRate = rate }
}

// WithClock overrides the wall clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a Recorder rooted at dir. Nothing is written until Start.
func New(dir string, opts ...Option) *Recorder {
	r := &Recorder{
		dir:      dir,
		aiRate:   24000,
		now:      time.Now,
		metadata: make(map[string]any),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start creates the directory and opens the three WAV writers. The
// provided metadata is merged into metadata.json at Stop.
func (r *Recorder) Start(metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: create dir: %w", err)
	}

	var err error
	if r.callerW, err = r.openWAV(fileCaller, 1); err != nil {
		return err
	}
	if r.botW, err = r.openWAV(fileBot, 1); err != nil {
		return err
	}
	if r.stereoW, err = r.openWAV(fileStereo, 2); err != nil {
		return err
	}

	for k, v := range metadata {
		r.metadata[k] = v
	}
	r.started = true
	r.startedAt = r.now()
	slog.Info("recording started", "dir", r.dir)
	return nil
}

func (r *Recorder) openWAV(name string, channels int) (*audio.WAVWriter, error) {
	f, err := os.Create(filepath.Join(r.dir, name))
	if err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", name, err)
	}
	r.files = append(r.files, f)
	w, err := audio.NewWAVWriter(f, recordRate, channels)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", name, err)
	}
	return w, nil
}

// WriteCaller appends a 16 kHz PCM16 caller chunk: mono track, stereo
// left channel, and the mixdown buffer.
func (r *Recorder) WriteCaller(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped || len(pcm) == 0 {
		return
	}
	if _, err := r.callerW.Write(pcm); err != nil {
		slog.Warn("recorder: caller track write failed", "error", err)
		return
	}
	if _, err := r.stereoW.Write(audio.InterleaveStereo(pcm, nil)); err != nil {
		slog.Warn("recorder: stereo track write failed", "error", err)
	}
	r.callerBuf = append(r.callerBuf, pcm...)
}

// WriteBot appends a bot chunk at the AI service rate. It is resampled
// to the recording rate before storage so both tracks match.
func (r *Recorder) WriteBot(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped || len(pcm) == 0 {
		return
	}
	resampled := audio.Resample(pcm, r.aiRate, recordRate)
	if len(resampled) == 0 {
		return
	}
	if _, err := r.botW.Write(resampled); err != nil {
		slog.Warn("recorder: bot track write failed", "error", err)
		return
	}
	if _, err := r.stereoW.Write(audio.InterleaveStereo(nil, resampled)); err != nil {
		slog.Warn("recorder: stereo track write failed", "error", err)
	}
	r.botBuf = append(r.botBuf, resampled...)
}

// AddTranscript implements transcript.Sink.
func (r *Recorder) AddTranscript(e transcript.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.transcripts = append(r.transcripts, e)
}

// AddEvent journals one session event.
func (r *Recorder) AddEvent(kind string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.events = append(r.events, Event{Timestamp: r.now(), Type: kind, Data: data})
}

// AddFunctionCall journals a function-call record as an event.
func (r *Recorder) AddFunctionCall(rec session.FunctionCallRecord) {
	r.AddEvent("function_call", map[string]any{
		"call_id":   rec.CallID,
		"name":      rec.Name,
		"status":    string(rec.Status),
		"arguments": rec.Arguments,
		"result":    rec.Result,
	})
}

// SetMetadata records one metadata field for metadata.json.
func (r *Recorder) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.metadata[key] = value
}

// Stop finalises every artifact: closes the WAV writers, writes the
// balanced final stereo mix and the JSON journals. Idempotent; a second
// invocation is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return nil
	}
	r.stopped = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil {
			slog.Warn("recorder: stop", "error", err)
		}
	}

	keep(r.callerW.Close())
	keep(r.botW.Close())
	keep(r.stereoW.Close())

	keep(r.writeFinalStereo())

	// Journals are arrays even when empty.
	transcripts := r.transcripts
	if transcripts == nil {
		transcripts = []transcript.Entry{}
	}
	events := r.events
	if events == nil {
		events = []Event{}
	}
	keep(r.writeJSON(fileTranscript, transcripts))
	keep(r.writeJSON(fileEvents, events))

	r.metadata["started_at"] = r.startedAt
	r.metadata["stopped_at"] = r.now()
	r.metadata["duration_seconds"] = r.now().Sub(r.startedAt).Seconds()
	r.metadata["caller_samples"] = len(r.callerBuf) / 2
	r.metadata["bot_samples"] = len(r.botBuf) / 2
	keep(r.writeJSON(fileMetadata, r.metadata))

	for _, f := range r.files {
		keep(f.Close())
	}
	r.files = nil

	slog.Info("recording stopped", "dir", r.dir,
		"caller_samples", len(r.callerBuf)/2, "bot_samples", len(r.botBuf)/2)
	return firstErr
}

// writeFinalStereo writes the balanced mix: both complete tracks
// interleaved, zero-padded to the longer side.
func (r *Recorder) writeFinalStereo() error {
	f, err := os.Create(filepath.Join(r.dir, fileFinalStereo))
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", fileFinalStereo, err)
	}
	defer f.Close()

	w, err := audio.NewWAVWriter(f, recordRate, 2)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", fileFinalStereo, err)
	}
	if _, err := w.Write(audio.InterleaveStereo(r.callerBuf, r.botBuf)); err != nil {
		return fmt.Errorf("recorder: final stereo write: %w", err)
	}
	return w.Close()
}

// writeJSON persists v as UTF-8 JSON with two-space indentation.
func (r *Recorder) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("recorder: write %s: %w", name, err)
	}
	return nil
}

// Dir returns the artifact directory.
func (r *Recorder) Dir() string { return r.dir }
