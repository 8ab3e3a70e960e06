package audio

import "math"

// Resample converts samples from rateIn to rateOut, dispatching to Upsample or
// Downsample. Equal or non-positive rates return the input unchanged.
func Resample(samples []int16, rateIn, rateOut int) []int16 {
	switch {
	case rateIn <= 0 || rateOut <= 0 || rateIn == rateOut:
		return samples
	case rateOut > rateIn:
		return Upsample(samples, rateIn, rateOut)
	default:
		return Downsample(samples, rateIn, rateOut)
	}
}

// Upsample raises the sample rate using linear interpolation. Output sample i
// sits at source position i*rateIn/rateOut, between the two bracketing input
// samples; the upper bracket is clamped to the last input sample. The result
// has floor(len(samples)*rateOut/rateIn) samples.
//
// No state is carried between calls, so each chunk is interpolated on its own
// and a small discontinuity can appear at chunk boundaries.
func Upsample(samples []int16, rateIn, rateOut int) []int16 {
	if rateIn <= 0 || rateOut <= 0 || rateIn == rateOut {
		return samples
	}
	n := len(samples)
	outLen := int(int64(n) * int64(rateOut) / int64(rateIn))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	last := n - 1
	for i := range outLen {
		num := int64(i) * int64(rateIn)
		idx := int(num / int64(rateOut))
		frac := float64(num%int64(rateOut)) / float64(rateOut)
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}
		s0 := float64(samples[idx])
		s1 := float64(samples[next])
		out[i] = clamp16(math.Round(s0 + (s1-s0)*frac))
	}
	return out
}

// Downsample lowers the sample rate by decimation: output sample i is the
// input sample at the nearest lower index i*rateIn/rateOut. No anti-aliasing
// filter is applied; content above the new Nyquist frequency folds back. This
// keeps the path free of filter delay and is the intended quality tradeoff for
// live calls. The result has floor(len(samples)*rateOut/rateIn) samples.
func Downsample(samples []int16, rateIn, rateOut int) []int16 {
	if rateIn <= 0 || rateOut <= 0 || rateIn == rateOut {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(rateOut) / int64(rateIn))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range outLen {
		out[i] = samples[int(int64(i)*int64(rateIn)/int64(rateOut))]
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
