package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EnvelopeKind is the wire shape an inbound agent message arrived in.
type EnvelopeKind int

const (
	RawBinaryAudio EnvelopeKind = iota + 1
	JSONAudioEvent
	JSONControlEvent
)

func (k EnvelopeKind) String() string {
	switch k {
	case RawBinaryAudio:
		return "raw_binary_audio"
	case JSONAudioEvent:
		return "json_audio"
	case JSONControlEvent:
		return "json_control"
	default:
		return "unknown"
	}
}

// InboundMessage is one frame read from the agent channel.
type InboundMessage struct {
	Binary bool
	Data   []byte
}

// OutboundMessage is one frame to write to the agent channel.
type OutboundMessage struct {
	Binary bool
	Data   []byte
}

// Envelope is an inbound agent message classified into exactly one kind.
// Audio holds PCM bytes for RawBinaryAudio and JSONAudioEvent.
type Envelope struct {
	Kind   EnvelopeKind
	Type   string
	Audio  []byte
	Fields map[string]any
}

// Classify sorts an agent frame into a wire envelope. Binary frames holding a
// JSON object are treated as JSON; any other binary frame is raw PCM. JSON
// messages whose type equals audioType carry base64 PCM at audioField (a
// dotted path); the top-level "audio" field is tried as a fallback.
func Classify(msg InboundMessage, audioType, audioField string) (Envelope, error) {
	if msg.Binary && !looksLikeJSONObject(msg.Data) {
		return Envelope{Kind: RawBinaryAudio, Audio: msg.Data}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: agent frame: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: agent frame is not an object", ErrMalformedMessage)
	}

	typ, _ := fields["type"].(string)
	env := Envelope{Kind: JSONControlEvent, Type: typ, Fields: fields}
	if typ != audioType {
		return env, nil
	}

	encoded := lookupString(fields, audioField)
	if encoded == "" && audioField != "audio" {
		encoded = lookupString(fields, "audio")
	}
	if encoded == "" {
		return env, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: agent audio payload: %v", ErrMalformedMessage, err)
	}
	env.Kind = JSONAudioEvent
	env.Audio = pcm
	return env, nil
}

func looksLikeJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// lookupPath resolves a dotted path such as "audio_event.audio_base_64".
func lookupPath(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(fields map[string]any, path string) string {
	v, ok := lookupPath(fields, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
