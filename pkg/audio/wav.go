package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// wavHeaderSize is the byte length of the canonical 16-bit PCM RIFF header.
const wavHeaderSize = 44

// WAVWriter streams 16-bit PCM into a RIFF/WAVE container. A placeholder
// header is written up front; Close seeks back and patches the chunk
// sizes, so the destination must support seeking (an *os.File does).
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate int
	channels   int
	dataBytes  int
	closed     bool
}

// NewWAVWriter writes a placeholder header to w and returns a writer for
// 16-bit PCM at the given sample rate and channel count (1 or 2).
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wav: invalid sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("wav: unsupported channel count %d", channels)
	}
	ww := &WAVWriter{w: w, sampleRate: sampleRate, channels: channels}
	if err := ww.writeHeader(); err != nil {
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	return ww, nil
}

// Write appends raw little-endian PCM16 bytes to the data chunk.
func (ww *WAVWriter) Write(pcm []byte) (int, error) {
	if ww.closed {
		return 0, fmt.Errorf("wav: writer closed")
	}
	n, err := ww.w.Write(pcm)
	ww.dataBytes += n
	if err != nil {
		return n, fmt.Errorf("wav: write data: %w", err)
	}
	return n, nil
}

// SampleCount returns the number of per-channel sample frames written.
func (ww *WAVWriter) SampleCount() int {
	return ww.dataBytes / (2 * ww.channels)
}

// Close patches the RIFF and data chunk sizes. Safe to call more than
// once; subsequent calls are no-ops.
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wav: seek header: %w", err)
	}
	if err := ww.writeHeader(); err != nil {
		return fmt.Errorf("wav: finalize header: %w", err)
	}
	if _, err := ww.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wav: seek end: %w", err)
	}
	return nil
}

func (ww *WAVWriter) writeHeader() error {
	var hdr [wavHeaderSize]byte
	byteRate := ww.sampleRate * ww.channels * 2
	blockAlign := ww.channels * 2

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+ww.dataBytes))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(ww.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(ww.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], 16) // bits per sample
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(ww.dataBytes))

	_, err := ww.w.Write(hdr[:])
	return err
}

// InterleaveStereo builds an interleaved stereo PCM16 buffer from two
// mono tracks, zero-padding the shorter one so the result covers
// max(len(left), len(right)) sample frames. Left lands on channel 0.
func InterleaveStereo(left, right []byte) []byte {
	l := bytesToSamples(left)
	r := bytesToSamples(right)
	frames := len(l)
	if len(r) > frames {
		frames = len(r)
	}
	out := make([]int16, frames*2)
	for i := range frames {
		if i < len(l) {
			out[i*2] = l[i]
		}
		if i < len(r) {
			out[i*2+1] = r[i]
		}
	}
	return samplesToBytes(out)
}
