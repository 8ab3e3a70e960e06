package audio

import "encoding/binary"

// Frame is a run of PCM16 samples at a declared sample rate.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// DurationMS reports how many milliseconds of audio the frame covers.
func (f Frame) DurationMS() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// BytesToSamples reads little-endian PCM16 samples. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes writes PCM16 samples as little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
