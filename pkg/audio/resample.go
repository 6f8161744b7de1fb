package audio

import "log/slog"

// Resample converts PCM16 little-endian mono audio from srcRate to
// dstRate. Upsampling uses linear interpolation across the original
// sample grid; downsampling first applies a box low-pass of width
// ⌈srcRate/dstRate⌉ to suppress aliasing, then decimates by linear
// interpolation. Output duration matches input duration within one
// sample.
//
// Empty input returns empty output. An odd byte count is truncated to
// the nearest whole sample with a warning. If either rate is
// non-positive or the rates are equal, the input is returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if len(pcm)%2 != 0 {
		slog.Warn("resample: odd byte count, truncating to whole samples",
			"bytes", len(pcm), "src_rate", srcRate, "dst_rate", dstRate)
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	src := bytesToSamples(pcm)
	if dstRate < srcRate {
		width := (srcRate + dstRate - 1) / dstRate
		src = boxFilter(src, width)
	}

	dstSamples := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		dstSamples = 1
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return samplesToBytes(out)
}

// PadToMin appends zero samples (silence) until the buffer is at least
// minBytes long. The input is returned unchanged when already long
// enough. minBytes is rounded up to a whole sample.
func PadToMin(pcm []byte, minBytes int) []byte {
	if minBytes%2 != 0 {
		minBytes++
	}
	if len(pcm) >= minBytes {
		return pcm
	}
	out := make([]byte, minBytes)
	copy(out, pcm)
	return out
}

// boxFilter applies a centred moving average of the given width.
// Widths ≤ 1 return the input unchanged.
func boxFilter(src []int16, width int) []int16 {
	if width <= 1 || len(src) == 0 {
		return src
	}
	out := make([]int16, len(src))
	half := width / 2
	var sum int64
	lo, hi := 0, 0 // current window is src[lo:hi]
	for i := range src {
		wantLo := i - half
		wantHi := i + (width - half)
		if wantLo < 0 {
			wantLo = 0
		}
		if wantHi > len(src) {
			wantHi = len(src)
		}
		for hi < wantHi {
			sum += int64(src[hi])
			hi++
		}
		for lo < wantLo {
			sum -= int64(src[lo])
			lo++
		}
		out[i] = int16(sum / int64(hi-lo))
	}
	return out
}

// bytesToSamples converts little-endian PCM16 bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// samplesToBytes converts int16 samples to little-endian PCM16 bytes.
func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
