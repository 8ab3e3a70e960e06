package audio

const (
	// TelephonyRate is the fixed µ-law sample rate of the telephony leg.
	TelephonyRate = 8000
	// DefaultAgentRate is the PCM16 rate the voice agent speaks by default.
	DefaultAgentRate = 16000
)

// Transcoder holds the two fixed pipelines between the telephony leg
// (µ-law, TelephonyRate) and the agent leg (PCM16LE, AgentRate).
// It is stateless and safe for concurrent use.
type Transcoder struct {
	TelephonyRate int
	AgentRate     int
}

// NewTranscoder returns a Transcoder for the given agent rate; a non-positive
// rate selects DefaultAgentRate.
func NewTranscoder(agentRate int) Transcoder {
	if agentRate <= 0 {
		agentRate = DefaultAgentRate
	}
	return Transcoder{TelephonyRate: TelephonyRate, AgentRate: agentRate}
}

// ToAgent runs the inbound pipeline: µ-law bytes are expanded to PCM16,
// resampled to the agent rate and serialised little-endian.
func (t Transcoder) ToAgent(mulaw []byte) []byte {
	return SamplesToBytes(t.ToAgentFrame(mulaw).Samples)
}

// ToAgentFrame is ToAgent without the final serialisation.
func (t Transcoder) ToAgentFrame(mulaw []byte) Frame {
	pcm := DecodeMulawBytes(mulaw)
	return Frame{
		Samples:    Resample(pcm, t.TelephonyRate, t.AgentRate),
		SampleRate: t.AgentRate,
	}
}

// ToTelephony runs the outbound pipeline: little-endian PCM16 at the agent
// rate is resampled to the telephony rate and compressed to µ-law.
func (t Transcoder) ToTelephony(pcm []byte) []byte {
	samples := Resample(BytesToSamples(pcm), t.AgentRate, t.TelephonyRate)
	return EncodeMulawSamples(samples)
}
