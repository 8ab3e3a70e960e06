package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Variant selects the agent wire protocol.
type Variant string

const (
	VariantBinary      Variant = "binary"
	VariantJSONAudio   Variant = "json_audio"
	VariantJSONControl Variant = "json_control"
)

// ParseVariant accepts a variant name case-insensitively; "-" and "_" are
// interchangeable.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch v {
	case VariantBinary, VariantJSONAudio, VariantJSONControl:
		return v, nil
	default:
		return "", fmt.Errorf("unknown agent protocol variant %q (expected binary|json_audio|json_control)", s)
	}
}

// AgentOptions carries the deployment contract with the agent provider. Empty
// fields take the variant's defaults.
type AgentOptions struct {
	Variant Variant

	// AudioInputField is the JSON key carrying outbound base64 PCM.
	AudioInputField string
	// AudioInputType tags outbound audio messages with a "type" value; empty
	// sends untagged messages.
	AudioInputType string
	// AudioOutputType is the inbound "type" value that marks audio.
	AudioOutputType string
	// AudioOutputField is the dotted path of inbound base64 PCM.
	AudioOutputField string

	HandshakeType string
	PongType      string

	SampleRate int
	ProviderID string

	Prompt       string
	FirstMessage string
	TTSModelID   string
	Language     string
}

func (o AgentOptions) withDefaults() AgentOptions {
	if o.AudioOutputType == "" {
		o.AudioOutputType = "audio"
	}
	if o.AudioOutputField == "" {
		o.AudioOutputField = "audio"
	}
	if o.PongType == "" {
		o.PongType = "pong"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	switch o.Variant {
	case VariantBinary:
		if o.HandshakeType == "" {
			o.HandshakeType = "config"
		}
		if o.ProviderID == "" {
			o.ProviderID = "twilio"
		}
	case VariantJSONAudio:
		if o.AudioInputField == "" {
			o.AudioInputField = "audio"
		}
		if o.AudioInputType == "" {
			o.AudioInputType = "audio_input"
		}
	case VariantJSONControl:
		if o.AudioInputField == "" {
			o.AudioInputField = "user_audio_chunk"
		}
		if o.HandshakeType == "" {
			o.HandshakeType = "conversation_initiation_client_data"
		}
		if o.TTSModelID == "" {
			o.TTSModelID = "eleven_flash_v2_5"
		}
	}
	return o
}

// AgentEventKind distinguishes decoded agent messages.
type AgentEventKind int

const (
	AgentAudio AgentEventKind = iota + 1
	AgentControl
)

// AgentEvent is a decoded agent message: PCM audio, or a control event that
// produces no audio. Reply, when set, must be written back to the agent.
type AgentEvent struct {
	Kind     AgentEventKind
	Envelope EnvelopeKind
	PCM      []byte
	Type     string
	Reply    *OutboundMessage
}

// AgentAdapter translates between PCM16 buffers and one agent wire variant.
type AgentAdapter interface {
	Variant() Variant
	// Handshake returns the messages to send once the agent channel opens,
	// before any audio.
	Handshake() ([]OutboundMessage, error)
	EncodeAudio(pcm []byte) (OutboundMessage, error)
	Decode(msg InboundMessage) (AgentEvent, error)
}

// NewAgentAdapter builds the adapter for opts.Variant.
func NewAgentAdapter(opts AgentOptions) (AgentAdapter, error) {
	v, err := ParseVariant(string(opts.Variant))
	if err != nil {
		return nil, err
	}
	opts.Variant = v
	base := agentCodec{opts: opts.withDefaults()}
	switch v {
	case VariantBinary:
		return &binaryAdapter{base}, nil
	case VariantJSONAudio:
		return &jsonAudioAdapter{base}, nil
	default:
		return &jsonControlAdapter{base}, nil
	}
}

// agentCodec holds the decode path shared by every variant: all of them
// accept raw binary PCM as well as JSON audio and control messages.
type agentCodec struct {
	opts AgentOptions
}

func (c agentCodec) Variant() Variant { return c.opts.Variant }

func (c agentCodec) Decode(msg InboundMessage) (AgentEvent, error) {
	env, err := Classify(msg, c.opts.AudioOutputType, c.opts.AudioOutputField)
	if err != nil {
		return AgentEvent{}, err
	}
	switch env.Kind {
	case RawBinaryAudio, JSONAudioEvent:
		return AgentEvent{Kind: AgentAudio, Envelope: env.Kind, PCM: env.Audio, Type: env.Type}, nil
	}

	ev := AgentEvent{Kind: AgentControl, Envelope: env.Kind, Type: env.Type}
	if env.Type == "ping" {
		reply, err := c.pong(env.Fields)
		if err != nil {
			return AgentEvent{}, err
		}
		ev.Reply = &reply
	}
	return ev, nil
}

func (c agentCodec) pong(fields map[string]any) (OutboundMessage, error) {
	id, ok := lookupPath(fields, "ping_event.event_id")
	if !ok {
		id, ok = lookupPath(fields, "event_id")
	}
	payload := map[string]any{"type": c.opts.PongType}
	if ok {
		payload["event_id"] = id
	}
	return jsonMessage(payload)
}

func (c agentCodec) encodeJSONAudio(pcm []byte) (OutboundMessage, error) {
	payload := map[string]any{c.opts.AudioInputField: base64.StdEncoding.EncodeToString(pcm)}
	if c.opts.AudioInputType != "" {
		payload["type"] = c.opts.AudioInputType
	}
	return jsonMessage(payload)
}

// binaryAdapter sends raw PCM frames after a single format envelope.
type binaryAdapter struct{ agentCodec }

type formatEnvelope struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Provider   string `json:"provider"`
}

func (a *binaryAdapter) Handshake() ([]OutboundMessage, error) {
	msg, err := jsonMessage(formatEnvelope{
		Type:       a.opts.HandshakeType,
		SampleRate: a.opts.SampleRate,
		Encoding:   "pcm_s16le",
		Provider:   a.opts.ProviderID,
	})
	if err != nil {
		return nil, err
	}
	return []OutboundMessage{msg}, nil
}

func (a *binaryAdapter) EncodeAudio(pcm []byte) (OutboundMessage, error) {
	return OutboundMessage{Binary: true, Data: pcm}, nil
}

// jsonAudioAdapter wraps every chunk in a typed JSON message; no handshake.
type jsonAudioAdapter struct{ agentCodec }

func (a *jsonAudioAdapter) Handshake() ([]OutboundMessage, error) { return nil, nil }

func (a *jsonAudioAdapter) EncodeAudio(pcm []byte) (OutboundMessage, error) {
	return a.encodeJSONAudio(pcm)
}

// jsonControlAdapter opens with a conversation configuration object.
type jsonControlAdapter struct{ agentCodec }

type conversationInit struct {
	Type     string                `json:"type"`
	Override *conversationOverride `json:"conversation_config_override,omitempty"`
}

type conversationOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	ModelID string `json:"model_id"`
}

func (a *jsonControlAdapter) Handshake() ([]OutboundMessage, error) {
	handshake := conversationInit{Type: a.opts.HandshakeType}

	var override conversationOverride
	if a.opts.Prompt != "" || a.opts.FirstMessage != "" || a.opts.Language != "" {
		agent := &agentOverride{FirstMessage: a.opts.FirstMessage, Language: a.opts.Language}
		if a.opts.Prompt != "" {
			agent.Prompt = &promptOverride{Prompt: a.opts.Prompt}
		}
		override.Agent = agent
	}
	if a.opts.TTSModelID != "" {
		override.TTS = &ttsOverride{ModelID: a.opts.TTSModelID}
	}
	if override.Agent != nil || override.TTS != nil {
		handshake.Override = &override
	}

	msg, err := jsonMessage(handshake)
	if err != nil {
		return nil, err
	}
	return []OutboundMessage{msg}, nil
}

func (a *jsonControlAdapter) EncodeAudio(pcm []byte) (OutboundMessage, error) {
	return a.encodeJSONAudio(pcm)
}

func jsonMessage(v any) (OutboundMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("encode agent message: %w", err)
	}
	return OutboundMessage{Data: data}, nil
}
