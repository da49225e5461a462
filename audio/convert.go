package audio

import "math"

const s16Scale = 32768.0

// S16LEToFloat64 decodes little-endian signed 16-bit PCM bytes into
// float64 samples in [-1, 1). Trailing odd bytes are ignored.
func S16LEToFloat64(dst []float64, src []byte) int {
	n := min(len(src)/2, len(dst))
	for i := range n {
		v := int16(uint16(src[2*i]) | uint16(src[2*i+1])<<8)
		dst[i] = float64(v) / s16Scale
	}
	return n
}

// Float64ToS16LE encodes float64 samples into little-endian signed 16-bit
// PCM bytes with saturating conversion. dst must hold 2*len(src) bytes.
func Float64ToS16LE(dst []byte, src []float64) int {
	n := min(len(dst)/2, len(src))
	for i := range n {
		v := math.Round(src[i] * s16Scale)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		u := uint16(int16(v))
		dst[2*i] = byte(u)
		dst[2*i+1] = byte(u >> 8)
	}
	return n
}
