package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventName identifies telephony media-stream events.
type EventName string

const (
	EventConnected EventName = "connected"
	EventStart     EventName = "start"
	EventMedia     EventName = "media"
	EventStop      EventName = "stop"
	EventMark      EventName = "mark"
)

var (
	ErrMalformedMessage     = errors.New("malformed message")
	ErrUnsupportedEventType = errors.New("unsupported event type")
)

// TelephonyKind classifies a parsed telephony event.
type TelephonyKind int

const (
	TelephonyUnknown TelephonyKind = iota
	TelephonyConnected
	TelephonyMedia
	TelephonyStop
	TelephonyMark
)

func (k TelephonyKind) String() string {
	switch k {
	case TelephonyConnected:
		return "connected"
	case TelephonyMedia:
		return "media"
	case TelephonyStop:
		return "stop"
	case TelephonyMark:
		return "mark"
	default:
		return "unknown"
	}
}

// TelephonyEvent is one inbound frame from the telephony leg. Payload holds
// decoded µ-law bytes for media events.
type TelephonyEvent struct {
	Kind      TelephonyKind
	Name      EventName
	StreamSID string
	CallSID   string
	Track     string
	Payload   []byte
	Mark      string
}

type telephonyFrame struct {
	Event     EventName `json:"event"`
	StreamSID string    `json:"streamSid"`
	Start     *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// ParseTelephonyEvent decodes one JSON text frame from the telephony leg.
// "connected" and "start" both map to TelephonyConnected; the stream id is
// read from the top level or from the start block.
func ParseTelephonyEvent(raw []byte) (TelephonyEvent, error) {
	var f telephonyFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return TelephonyEvent{}, fmt.Errorf("%w: telephony frame: %v", ErrMalformedMessage, err)
	}

	ev := TelephonyEvent{Name: f.Event, StreamSID: strings.TrimSpace(f.StreamSID)}
	switch f.Event {
	case EventConnected, EventStart:
		ev.Kind = TelephonyConnected
		if f.Start != nil {
			if ev.StreamSID == "" {
				ev.StreamSID = strings.TrimSpace(f.Start.StreamSID)
			}
			ev.CallSID = strings.TrimSpace(f.Start.CallSID)
		}
		return ev, nil
	case EventMedia:
		if f.Media == nil {
			return TelephonyEvent{}, fmt.Errorf("%w: media event without media block", ErrMalformedMessage)
		}
		payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return TelephonyEvent{}, fmt.Errorf("%w: media payload: %v", ErrMalformedMessage, err)
		}
		ev.Kind = TelephonyMedia
		ev.Track = f.Media.Track
		ev.Payload = payload
		return ev, nil
	case EventStop:
		ev.Kind = TelephonyStop
		return ev, nil
	case EventMark:
		ev.Kind = TelephonyMark
		if f.Mark != nil {
			ev.Mark = f.Mark.Name
		}
		return ev, nil
	case "":
		return TelephonyEvent{}, fmt.Errorf("%w: missing event field", ErrMalformedMessage)
	default:
		return TelephonyEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedEventType, f.Event)
	}
}

type telephonyMediaOut struct {
	Event     EventName `json:"event"`
	StreamSID string    `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EncodeTelephonyMedia builds the outbound media frame for the telephony leg.
func EncodeTelephonyMedia(streamSID string, mulaw []byte) ([]byte, error) {
	out := telephonyMediaOut{Event: EventMedia, StreamSID: streamSID}
	out.Media.Payload = base64.StdEncoding.EncodeToString(mulaw)
	return json.Marshal(out)
}
