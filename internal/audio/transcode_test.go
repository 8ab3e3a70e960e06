package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tone returns n µ-law bytes of a 440 Hz sine at 8 kHz.
func tone(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/TelephonyRate))
	}
	return EncodeMulawSamples(samples)
}

func TestSamplesToBytesIsLittleEndian(t *testing.T) {
	got := SamplesToBytes([]int16{0x0102, -2})
	assert.Equal(t, []byte{0x02, 0x01, 0xFE, 0xFF}, got)
	assert.Equal(t, []int16{0x0102, -2}, BytesToSamples(got))
}

func TestBytesToSamplesIgnoresTrailingByte(t *testing.T) {
	assert.Equal(t, []int16{0x0201}, BytesToSamples([]byte{0x01, 0x02, 0x03}))
}

func TestTranscoderToAgentDoublesSampleCount(t *testing.T) {
	tr := NewTranscoder(0)
	in := tone(160) // 20ms at 8kHz

	out := tr.ToAgent(in)
	require.Len(t, out, 160*2*2)

	frame := tr.ToAgentFrame(in)
	assert.Equal(t, DefaultAgentRate, frame.SampleRate)
	assert.Equal(t, 20, frame.DurationMS())
	assert.Equal(t, SamplesToBytes(frame.Samples), out)
}

func TestTranscoderToAgentPreservesByteOrder(t *testing.T) {
	tr := NewTranscoder(16000)
	// 0x80 expands to +32124 (0x7D7C); little-endian puts 0x7C first.
	out := tr.ToAgent([]byte{0x80})
	require.Len(t, out, 4)
	assert.Equal(t, []byte{0x7C, 0x7D, 0x7C, 0x7D}, out)
}

func TestTranscoderToTelephonyHalvesSampleCount(t *testing.T) {
	tr := NewTranscoder(16000)
	pcm := SamplesToBytes([]int16{1000, 5, 0, 5, -1000, 5})
	assert.Equal(t, []byte{0xCE, 0xFF, 0x4E}, tr.ToTelephony(pcm))
}

func TestTranscoderRoundTripStaysNearInput(t *testing.T) {
	tr := NewTranscoder(16000)
	in := tone(160)
	back := tr.ToTelephony(tr.ToAgent(in))
	require.Len(t, back, len(in))
	for i := range in {
		orig := int(DecodeMulaw(in[i]))
		got := int(DecodeMulaw(back[i]))
		assert.LessOrEqualf(t, absInt(got-orig), CompandingStep(int16(orig)), "sample %d", i)
	}
}
