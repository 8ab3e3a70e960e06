package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, opts AgentOptions) AgentAdapter {
	t.Helper()
	a, err := NewAgentAdapter(opts)
	require.NoError(t, err)
	return a
}

func decodeJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]Variant{
		"binary":       VariantBinary,
		"JSON-Audio":   VariantJSONAudio,
		" json_control": VariantJSONControl,
	} {
		got, err := ParseVariant(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseVariant("protobuf")
	assert.Error(t, err)
}

func TestClassifyEnvelopes(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	env, err := Classify(InboundMessage{Binary: true, Data: pcm}, "audio", "audio")
	require.NoError(t, err)
	assert.Equal(t, RawBinaryAudio, env.Kind)
	assert.Equal(t, pcm, env.Audio)

	env, err = Classify(InboundMessage{Data: []byte(`{"type":"audio","audio":"` + b64 + `"}`)}, "audio", "audio")
	require.NoError(t, err)
	assert.Equal(t, JSONAudioEvent, env.Kind)
	assert.Equal(t, pcm, env.Audio)

	// JSON delivered in a binary frame is still JSON.
	env, err = Classify(InboundMessage{Binary: true, Data: []byte(`{"type":"agent_response"}`)}, "audio", "audio")
	require.NoError(t, err)
	assert.Equal(t, JSONControlEvent, env.Kind)
	assert.Equal(t, "agent_response", env.Type)

	// Audio type without a payload carries no audio.
	env, err = Classify(InboundMessage{Data: []byte(`{"type":"audio"}`)}, "audio", "audio")
	require.NoError(t, err)
	assert.Equal(t, JSONControlEvent, env.Kind)
}

func TestClassifyNestedAudioField(t *testing.T) {
	pcm := []byte{0x10, 0x20}
	raw := `{"type":"audio","audio_event":{"audio_base_64":"` + base64.StdEncoding.EncodeToString(pcm) + `","event_id":3}}`
	env, err := Classify(InboundMessage{Data: []byte(raw)}, "audio", "audio_event.audio_base_64")
	require.NoError(t, err)
	assert.Equal(t, JSONAudioEvent, env.Kind)
	assert.Equal(t, pcm, env.Audio)
}

func TestClassifyRejectsMalformed(t *testing.T) {
	cases := []InboundMessage{
		{Data: []byte(`not json`)},
		{Data: []byte(`[1,2]`)},
		{Data: []byte(`null`)},
		{Data: []byte(`{"type":"audio","audio":"%%%"}`)},
	}
	for _, msg := range cases {
		_, err := Classify(msg, "audio", "audio")
		assert.ErrorIsf(t, err, ErrMalformedMessage, "Classify(%s)", msg.Data)
	}
}

func TestDecodeControlProducesNoAudio(t *testing.T) {
	for _, v := range []Variant{VariantBinary, VariantJSONAudio, VariantJSONControl} {
		a := newAdapter(t, AgentOptions{Variant: v})
		ev, err := a.Decode(InboundMessage{Data: []byte(`{"type":"interruption","interruption_event":{"event_id":4}}`)})
		require.NoError(t, err)
		assert.Equal(t, AgentControl, ev.Kind, v)
		assert.Empty(t, ev.PCM)
		assert.Nil(t, ev.Reply)
	}
}

func TestDecodeAcceptsEveryEnvelopeInEveryVariant(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0x7F}
	jsonAudio := []byte(`{"type":"audio","audio":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
	for _, v := range []Variant{VariantBinary, VariantJSONAudio, VariantJSONControl} {
		a := newAdapter(t, AgentOptions{Variant: v})

		ev, err := a.Decode(InboundMessage{Binary: true, Data: pcm})
		require.NoError(t, err)
		assert.Equal(t, AgentAudio, ev.Kind)
		assert.Equal(t, pcm, ev.PCM)

		ev, err = a.Decode(InboundMessage{Data: jsonAudio})
		require.NoError(t, err)
		assert.Equal(t, AgentAudio, ev.Kind)
		assert.Equal(t, JSONAudioEvent, ev.Envelope)
		assert.Equal(t, pcm, ev.PCM)
	}
}

func TestDecodePingRepliesWithPong(t *testing.T) {
	a := newAdapter(t, AgentOptions{Variant: VariantJSONControl})
	ev, err := a.Decode(InboundMessage{Data: []byte(`{"type":"ping","ping_event":{"event_id":42,"ping_ms":50}}`)})
	require.NoError(t, err)
	require.NotNil(t, ev.Reply)
	assert.False(t, ev.Reply.Binary)
	assert.JSONEq(t, `{"type":"pong","event_id":42}`, string(ev.Reply.Data))
}

func TestBinaryAdapter(t *testing.T) {
	a := newAdapter(t, AgentOptions{Variant: VariantBinary, SampleRate: 16000, ProviderID: "twilio"})

	hs, err := a.Handshake()
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.False(t, hs[0].Binary)
	assert.JSONEq(t, `{"type":"config","sample_rate":16000,"encoding":"pcm_s16le","provider":"twilio"}`, string(hs[0].Data))

	msg, err := a.EncodeAudio([]byte{1, 2})
	require.NoError(t, err)
	assert.True(t, msg.Binary)
	assert.Equal(t, []byte{1, 2}, msg.Data)
}

func TestJSONAudioAdapter(t *testing.T) {
	a := newAdapter(t, AgentOptions{Variant: VariantJSONAudio})

	hs, err := a.Handshake()
	require.NoError(t, err)
	assert.Empty(t, hs)

	msg, err := a.EncodeAudio([]byte{1, 2})
	require.NoError(t, err)
	assert.False(t, msg.Binary)
	assert.JSONEq(t, `{"type":"audio_input","audio":"AQI="}`, string(msg.Data))
}

func TestJSONControlAdapter(t *testing.T) {
	a := newAdapter(t, AgentOptions{
		Variant:      VariantJSONControl,
		Prompt:       "You are a helpful phone assistant.",
		FirstMessage: "Hello! How can I help?",
		TTSModelID:   "eleven_flash_v2_5",
	})

	hs, err := a.Handshake()
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.JSONEq(t, `{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": {
			"agent": {
				"prompt": {"prompt": "You are a helpful phone assistant."},
				"first_message": "Hello! How can I help?"
			},
			"tts": {"model_id": "eleven_flash_v2_5"}
		}
	}`, string(hs[0].Data))

	msg, err := a.EncodeAudio([]byte{1, 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_audio_chunk":"AQI="}`, string(msg.Data))
}

func TestAdapterFieldNamesAreConfigurable(t *testing.T) {
	a := newAdapter(t, AgentOptions{
		Variant:          VariantJSONControl,
		AudioInputField:  "chunk",
		AudioInputType:   "user_audio",
		AudioOutputType:  "tts",
		AudioOutputField: "payload.pcm",
	})

	msg, err := a.EncodeAudio([]byte{1, 2})
	require.NoError(t, err)
	got := decodeJSON(t, msg.Data)
	assert.Equal(t, "AQI=", got["chunk"])
	assert.Equal(t, "user_audio", got["type"])

	ev, err := a.Decode(InboundMessage{Data: []byte(`{"type":"tts","payload":{"pcm":"AQI="}}`)})
	require.NoError(t, err)
	assert.Equal(t, AgentAudio, ev.Kind)
	assert.Equal(t, []byte{1, 2}, ev.PCM)

	// The default audio type is now a control message.
	ev, err = a.Decode(InboundMessage{Data: []byte(`{"type":"audio","audio":"AQI="}`)})
	require.NoError(t, err)
	assert.Equal(t, AgentControl, ev.Kind)
}
