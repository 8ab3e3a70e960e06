package session

import (
	"errors"

	"github.com/ent0n29/callbridge/internal/protocol"
)

// State is a call's position in the bridge lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingAIConnection State = "awaiting_ai_connection"
	StateBridging             State = "bridging"
	StateClosingAI            State = "closing_ai"
	StateClosingTelephony     State = "closing_telephony"
	StateClosed               State = "closed"
)

// HasAIChannel reports whether an agent channel may exist in state s.
func (s State) HasAIChannel() bool {
	switch s {
	case StateAwaitingAIConnection, StateBridging, StateClosingAI:
		return true
	default:
		return false
	}
}

// Event is one input to a Controller.
type Event interface {
	Name() string
}

type TelephonyConnected struct {
	StreamSID string
	CallSID   string
}

type TelephonyMedia struct {
	Payload []byte
}

type TelephonyStop struct{}

type TelephonyClosed struct {
	Err error
}

type AIOpened struct{}

type AIMessage struct {
	Message protocol.InboundMessage
}

type AIClosed struct {
	Code   int
	Reason string
	Err    error
}

type AIConnectTimeout struct{}

func (TelephonyConnected) Name() string { return "telephony_connected" }
func (TelephonyMedia) Name() string     { return "telephony_media" }
func (TelephonyStop) Name() string      { return "telephony_stop" }
func (TelephonyClosed) Name() string    { return "telephony_closed" }
func (AIOpened) Name() string           { return "ai_opened" }
func (AIMessage) Name() string          { return "ai_message" }
func (AIClosed) Name() string           { return "ai_closed" }
func (AIConnectTimeout) Name() string   { return "ai_connect_timeout" }

// EffectKind names a side effect the runner must perform.
type EffectKind int

const (
	EffectDialAI EffectKind = iota + 1
	EffectSendAI
	EffectSendTelephony
	EffectCloseAI
	EffectCloseTelephony
	EffectRelease
)

func (k EffectKind) String() string {
	switch k {
	case EffectDialAI:
		return "dial_ai"
	case EffectSendAI:
		return "send_ai"
	case EffectSendTelephony:
		return "send_telephony"
	case EffectCloseAI:
		return "close_ai"
	case EffectCloseTelephony:
		return "close_telephony"
	case EffectRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Effect is one side effect. AI is set for EffectSendAI, Telephony for
// EffectSendTelephony.
type Effect struct {
	Kind      EffectKind
	AI        protocol.OutboundMessage
	Telephony []byte
}

// ErrIgnored marks an event that was dropped without changing state.
var ErrIgnored = errors.New("event ignored")

// End reasons recorded on the call.
const (
	EndTelephonyStop    = "telephony_stop"
	EndTelephonyClosed  = "telephony_closed"
	EndAIClosed         = "ai_closed"
	EndAIDialFailed     = "ai_dial_failed"
	EndAIConnectTimeout = "ai_connect_timeout"
)
