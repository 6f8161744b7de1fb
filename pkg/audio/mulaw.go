package audio

// G.711 µ-law companding. The encoder follows the standard segment
// search with bias 0x84 and clip 32635; the decoder is table-driven so
// per-sample decode is a single lookup.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every µ-law byte to its linear PCM16 value.
var mulawDecodeTable [256]int16

func init() {
	for i := range mulawDecodeTable {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		magnitude := ((int16(mantissa) << 3) + mulawBias) << exponent
		magnitude -= mulawBias
		if u&0x80 != 0 {
			magnitude = -magnitude
		}
		mulawDecodeTable[i] = magnitude
	}
}

// DecodeMuLaw converts G.711 µ-law bytes to PCM16 little-endian mono at
// the same sample rate. The output is always exactly twice the input
// length.
func DecodeMuLaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := mulawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw converts PCM16 little-endian mono to G.711 µ-law bytes.
// A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// encodeMuLawSample compands a single linear sample per G.711.
func encodeMuLawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}
