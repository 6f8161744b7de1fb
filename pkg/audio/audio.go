// Package audio provides the audio primitives shared by every leg of the
// bridge: G.711 µ-law encode/decode, sample-rate conversion, silence
// padding, and a streaming WAV writer for call recordings.
//
// All PCM data handled by this package is 16-bit signed little-endian
// mono unless a function says otherwise. Frame boundaries are arbitrary;
// every function tolerates any input length ≥ 0, truncating odd byte
// counts to the nearest whole sample.
//
// This package lives under pkg/ because platform adapters maintained
// outside this repository are expected to use it for their wire formats.
package audio

import (
	"encoding/binary"
	"time"
)

// Well-known sample rates on the two legs of the bridge.
const (
	// TelephonyRate is the µ-law telephony sample rate.
	TelephonyRate = 8000

	// BridgeRate is the canonical rate audio is normalised to before it is
	// sent to the AI service and written to recordings.
	BridgeRate = 16000

	// AIServiceRate is the PCM16 rate the AI service synthesises speech at.
	AIServiceRate = 24000
)

// Frame is the canonical internal representation of a chunk of audio:
// PCM16 little-endian mono tagged with its sample rate.
type Frame struct {
	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when the chunk was received, relative to call start.
	Timestamp time.Duration
}

// Samples returns the number of whole 16-bit samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Peak returns the largest absolute sample amplitude in pcm. All-zero
// or empty input reports 0; an input containing -32768 reports 32767.
func Peak(pcm []byte) int16 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak > 32767 {
		peak = 32767
	}
	return int16(peak)
}
