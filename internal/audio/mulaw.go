package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw expands one G.711 µ-law byte to a linear PCM16 sample.
func DecodeMulaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// EncodeMulaw compresses a linear PCM16 sample to one G.711 µ-law byte.
// Magnitudes above 32635 are clipped.
func EncodeMulaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := mulawExponent(sample)
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// mulawExponent returns the segment of a biased magnitude: the position of
// its highest set bit within bits 14..7, mapped to 7..0.
func mulawExponent(biased int32) int32 {
	exponent := int32(7)
	for mask := int32(0x4000); biased&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	return exponent
}

// CompandingStep is the width of the µ-law quantisation interval that s falls
// into. |DecodeMulaw(EncodeMulaw(s)) - s| never exceeds half of it for
// unclipped magnitudes.
func CompandingStep(s int16) int {
	sample := int32(s)
	if sample < 0 {
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	return 1 << (mulawExponent(sample+mulawBias) + 3)
}

// DecodeMulawBytes expands a µ-law buffer to PCM16 samples.
func DecodeMulawBytes(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = DecodeMulaw(b)
	}
	return out
}

// EncodeMulawSamples compresses PCM16 samples to a µ-law buffer.
func EncodeMulawSamples(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMulaw(s)
	}
	return out
}
