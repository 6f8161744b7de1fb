package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kverne/voicebridge/internal/observe"
	"github.com/kverne/voicebridge/internal/platform"
	"github.com/kverne/voicebridge/pkg/aiservice"
	"github.com/kverne/voicebridge/pkg/audio"
)

// bridgeRate is the sample rate of everything the bridge handles
// internally: 16 kHz PCM16 little-endian mono.
const bridgeRate = 16000

// commitMinBytes is 100 ms at bridgeRate times 2 bytes per sample. The
// AI service rejects commits below this much buffered audio, so the
// stream pads short inbound frames and suppresses early commits.
const commitMinBytes = 3200

// audioSink is the slice of the AI session the inbound path writes to.
type audioSink interface {
	AppendAudio(pcm []byte) error
	Commit() error
}

// audioTap receives copies of the audio for recording. Implemented by
// recorder.Recorder.
type audioTap interface {
	WriteCaller(pcm []byte)
	WriteBot(pcm []byte)
}

// QualityFunc observes per-chunk stream quality. direction is "inbound"
// or "outbound"; peak is the largest absolute sample amplitude of the
// chunk. Called synchronously on the audio path, so implementations
// must be cheap.
type QualityFunc func(direction string, bytes int, peak int16)

// AudioStream moves audio for one call in both directions: caller
// chunks towards the AI input buffer with commit accounting, and AI
// audio deltas towards the platform as a framed play stream.
//
// All methods are safe for concurrent use; the two directions share no
// state beyond the struct lock.
type AudioStream struct {
	ai          audioSink
	conn        platform.Conn
	mediaFormat string
	tap         audioTap
	metrics     *observe.Metrics
	aiRate      int
	quality     QualityFunc

	mu             sync.Mutex
	chunksSent     int
	bytesSent      int
	streamID       string
	platformClosed bool
}

// AudioStreamOption configures an AudioStream.
type AudioStreamOption func(*AudioStream)

// WithAudioTap mirrors both directions into the given recorder.
func WithAudioTap(tap audioTap) AudioStreamOption {
	return func(s *AudioStream) { s.tap = tap }
}

// WithStreamMetrics overrides the metrics instance (tests).
func WithStreamMetrics(m *observe.Metrics) AudioStreamOption {
	return func(s *AudioStream) { s.metrics = m }
}

// WithAIRate overrides the AI-service output sample rate.
func WithAIRate(rate int) AudioStreamOption {
	return func(s *AudioStream) { s.aiRate = rate }
}

// WithStreamQuality registers a per-chunk quality observer.
func WithStreamQuality(fn QualityFunc) AudioStreamOption {
	return func(s *AudioStream) { s.quality = fn }
}

// NewAudioStream wires the two directions of one call. mediaFormat is
// the format negotiated with the platform, echoed on stream starts.
func NewAudioStream(ai audioSink, conn platform.Conn, mediaFormat string, opts ...AudioStreamOption) *AudioStream {
	s := &AudioStream{
		ai:          ai,
		conn:        conn,
		mediaFormat: mediaFormat,
		metrics:     observe.DefaultMetrics(),
		aiRate:      aiservice.SampleRate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PushCaller forwards one caller audio chunk to the AI input buffer.
// The chunk is resampled to 16 kHz and padded to the 100 ms commit
// minimum when shorter. Commit counters track the real (pre-padding)
// audio so a lone short chunk never reaches the threshold on its own.
func (s *AudioStream) PushCaller(ctx context.Context, pcm []byte, sampleRate int) error {
	if sampleRate != bridgeRate {
		pcm = audio.Resample(pcm, sampleRate, bridgeRate)
	}
	heard := len(pcm)
	pcm = audio.PadToMin(pcm, commitMinBytes)

	if s.tap != nil {
		s.tap.WriteCaller(pcm)
	}
	s.metrics.RecordAudioChunk(ctx, "inbound", heard)
	if s.quality != nil {
		s.quality("inbound", heard, audio.Peak(pcm))
	}

	s.mu.Lock()
	s.chunksSent++
	s.bytesSent += heard
	s.mu.Unlock()

	if err := s.ai.AppendAudio(pcm); err != nil {
		return fmt.Errorf("bridge: append audio: %w", err)
	}
	return nil
}

// Commit asks the AI service to close the current user utterance. The
// commit is only issued when at least 100 ms of audio accumulated since
// the last one; below the threshold it is suppressed and the counters
// are retained for the next attempt. Reports whether a commit went out.
func (s *AudioStream) Commit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	chunks, bytes := s.chunksSent, s.bytesSent
	if bytes < commitMinBytes {
		s.mu.Unlock()
		slog.Info("bridge: commit suppressed, below threshold",
			"bytes_sent", bytes, "chunks_sent", chunks, "min_bytes", commitMinBytes)
		s.metrics.RecordCommit(ctx, false)
		return false, nil
	}
	s.chunksSent, s.bytesSent = 0, 0
	s.mu.Unlock()

	if err := s.ai.Commit(); err != nil {
		return false, fmt.Errorf("bridge: commit: %w", err)
	}
	slog.Debug("bridge: audio committed", "bytes_sent", bytes, "chunks_sent", chunks)
	s.metrics.RecordCommit(ctx, true)
	return true, nil
}

// PushBot forwards one AI audio delta to the platform. The first chunk
// after a stop (or ever) opens a fresh play stream. A closed platform
// socket stops the stream and silently swallows later chunks instead of
// failing the call.
func (s *AudioStream) PushBot(ctx context.Context, pcm []byte) {
	if s.tap != nil {
		s.tap.WriteBot(pcm)
	}

	s.mu.Lock()
	if s.platformClosed {
		s.mu.Unlock()
		return
	}
	if s.streamID == "" {
		s.streamID = uuid.NewString()
		if err := s.conn.SendStreamStart(s.streamID, s.mediaFormat); err != nil {
			s.markClosedLocked(err)
			s.mu.Unlock()
			return
		}
		slog.Debug("bridge: play stream opened", "stream_id", s.streamID)
	}
	streamID := s.streamID
	s.mu.Unlock()

	out := pcm
	if s.aiRate != bridgeRate {
		out = audio.Resample(pcm, s.aiRate, bridgeRate)
	}
	s.metrics.RecordAudioChunk(ctx, "outbound", len(out))
	if s.quality != nil {
		s.quality("outbound", len(out), audio.Peak(out))
	}

	if err := s.conn.SendStreamChunk(streamID, out); err != nil {
		s.mu.Lock()
		s.markClosedLocked(err)
		s.mu.Unlock()
	}
}

// StopStream closes the active play stream, if any. Safe to call when
// no stream is open.
func (s *AudioStream) StopStream() {
	s.mu.Lock()
	streamID := s.streamID
	s.streamID = ""
	closed := s.platformClosed
	s.mu.Unlock()

	if streamID == "" || closed {
		return
	}
	if err := s.conn.SendStreamStop(streamID); err != nil {
		slog.Warn("bridge: play stream stop failed", "stream_id", streamID, "error", err)
	}
}

// markClosedLocked flags the platform leg dead so later chunks are
// dropped without more write attempts. Caller holds s.mu.
func (s *AudioStream) markClosedLocked(err error) {
	if !s.platformClosed {
		s.platformClosed = true
		s.streamID = ""
		slog.Warn("bridge: platform leg closed, dropping outbound audio", "error", err)
	}
}
