package audio_test

import (
	"math"
	"testing"

	"github.com/kverne/voicebridge/pkg/audio"
)

// tone generates n samples of a sine wave at freq Hz and the given rate.
func tone(n int, freq, rate float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(10000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestResampleDuration(t *testing.T) {
	cases := []struct {
		name     string
		from, to int
		samples  int
	}{
		{"8k to 16k", 8000, 16000, 800},
		{"16k to 24k", 16000, 24000, 1600},
		{"24k to 16k", 24000, 16000, 2400},
		{"48k to 16k", 48000, 16000, 4800},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := samplesToBytes(tone(tc.samples, 440, float64(tc.from)))
			out := audio.Resample(in, tc.from, tc.to)

			want := tc.samples * tc.to / tc.from
			got := len(out) / 2
			if got < want-1 || got > want+1 {
				t.Errorf("output samples: got %d, want %d ±1", got, want)
			}
		})
	}
}

func TestResampleEmpty(t *testing.T) {
	if out := audio.Resample(nil, 8000, 16000); len(out) != 0 {
		t.Errorf("empty input produced %d bytes", len(out))
	}
}

func TestResampleSameRate(t *testing.T) {
	in := samplesToBytes([]int16{1, 2, 3})
	out := audio.Resample(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("same-rate resample changed length: %d -> %d", len(in), len(out))
	}
}

func TestResampleOddByteTruncated(t *testing.T) {
	in := append(samplesToBytes([]int16{100, 200}), 0x7F)
	out := audio.Resample(in, 8000, 16000)
	if len(out)%2 != 0 {
		t.Errorf("output not sample-aligned: %d bytes", len(out))
	}
	if got := len(out) / 2; got < 3 || got > 5 {
		t.Errorf("output samples: got %d, want 4 ±1", got)
	}
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	in := samplesToBytes([]int16{0, 1000})
	out := bytesToSamples(audio.Resample(in, 8000, 16000))
	if len(out) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(out))
	}
	if out[0] != 0 {
		t.Errorf("first sample: got %d, want 0", out[0])
	}
	// Sample 1 sits halfway between source samples 0 and 1.
	if out[1] < 400 || out[1] > 600 {
		t.Errorf("interpolated sample: got %d, want ≈500", out[1])
	}
}

func TestResampleDownsampleSuppressesAliasing(t *testing.T) {
	// An 11 kHz tone at 48 kHz is above the 8 kHz Nyquist limit of the
	// 16 kHz target; after the box low-pass the output energy should be
	// well below the input energy.
	in := tone(4800, 11000, 48000)
	out := bytesToSamples(audio.Resample(samplesToBytes(in), 48000, 16000))

	var inPow, outPow float64
	for _, s := range in {
		inPow += float64(s) * float64(s)
	}
	inPow /= float64(len(in))
	for _, s := range out {
		outPow += float64(s) * float64(s)
	}
	outPow /= float64(len(out))

	if outPow > inPow/4 {
		t.Errorf("aliasing energy too high: in %.0f, out %.0f", inPow, outPow)
	}
}

func TestPadToMin(t *testing.T) {
	in := samplesToBytes([]int16{5, 6})
	out := audio.PadToMin(in, 10)
	if len(out) != 10 {
		t.Fatalf("padded length: got %d, want 10", len(out))
	}
	got := bytesToSamples(out)
	if got[0] != 5 || got[1] != 6 {
		t.Errorf("original samples not preserved: %v", got[:2])
	}
	for i := 2; i < len(got); i++ {
		if got[i] != 0 {
			t.Errorf("padding sample %d not silent: %d", i, got[i])
		}
	}
}

func TestPadToMinAlreadyLong(t *testing.T) {
	in := samplesToBytes([]int16{1, 2, 3, 4, 5, 6})
	out := audio.PadToMin(in, 4)
	if len(out) != len(in) {
		t.Errorf("long input was modified: %d -> %d bytes", len(in), len(out))
	}
}
