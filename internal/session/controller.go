package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

// transitionTable lists every legal lifecycle transition. Media and agent
// messages never change state and are not listed.
func transitionTable() fsm.Events {
	var (
		idle     = string(StateIdle)
		awaiting = string(StateAwaitingAIConnection)
		bridging = string(StateBridging)
		closeAI  = string(StateClosingAI)
		closeTel = string(StateClosingTelephony)
		closed   = string(StateClosed)
	)
	return fsm.Events{
		{Name: TelephonyConnected{}.Name(), Src: []string{idle}, Dst: awaiting},
		{Name: AIOpened{}.Name(), Src: []string{awaiting}, Dst: bridging},

		{Name: TelephonyStop{}.Name(), Src: []string{idle}, Dst: closed},
		{Name: TelephonyStop{}.Name(), Src: []string{awaiting, bridging}, Dst: closeAI},
		{Name: TelephonyClosed{}.Name(), Src: []string{idle, closeTel}, Dst: closed},
		{Name: TelephonyClosed{}.Name(), Src: []string{awaiting, bridging}, Dst: closeAI},

		{Name: AIClosed{}.Name(), Src: []string{awaiting, bridging}, Dst: closeTel},
		{Name: AIClosed{}.Name(), Src: []string{closeAI}, Dst: closed},
		{Name: AIConnectTimeout{}.Name(), Src: []string{awaiting}, Dst: closeTel},
	}
}

// Stats counts per-call traffic.
type Stats struct {
	MediaIn           int `json:"media_in"`
	ChunksToAI        int `json:"chunks_to_ai"`
	ChunksToTelephony int `json:"chunks_to_telephony"`
	ControlEvents     int `json:"control_events"`
	Dropped           int `json:"dropped"`
	CallerAudioMS     int `json:"caller_audio_ms"`
}

// Snapshot is a copy of a controller's observable state.
type Snapshot struct {
	State         State  `json:"state"`
	StreamSID     string `json:"stream_sid"`
	CallSID       string `json:"call_sid"`
	EndReason     string `json:"end_reason,omitempty"`
	AICloseCode   int    `json:"ai_close_code,omitempty"`
	AICloseReason string `json:"ai_close_reason,omitempty"`
	Stats         Stats  `json:"stats"`
}

// Controller is the per-call state machine. Handle is a deterministic step:
// it moves the machine for one event and returns the effects the runner must
// carry out, in order. It performs no I/O and is not safe for concurrent use.
type Controller struct {
	machine    *fsm.FSM
	adapter    protocol.AgentAdapter
	transcoder audio.Transcoder

	streamSID     string
	callSID       string
	endReason     string
	aiCloseCode   int
	aiCloseReason string
	stats         Stats

	onTransition func(from, to State)
	onControl    func(eventType string)
}

func NewController(adapter protocol.AgentAdapter, transcoder audio.Transcoder) *Controller {
	c := &Controller{adapter: adapter, transcoder: transcoder}
	c.machine = fsm.NewFSM(
		string(StateIdle),
		transitionTable(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if c.onTransition != nil {
					c.onTransition(State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return c
}

// OnTransition registers a hook called after every state change.
func (c *Controller) OnTransition(fn func(from, to State)) {
	c.onTransition = fn
}

// OnControl registers a hook called for every agent control message.
func (c *Controller) OnControl(fn func(eventType string)) {
	c.onControl = fn
}

func (c *Controller) State() State {
	return State(c.machine.Current())
}

// Done reports whether the call reached the terminal state.
func (c *Controller) Done() bool {
	return c.State() == StateClosed
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:         c.State(),
		StreamSID:     c.streamSID,
		CallSID:       c.callSID,
		EndReason:     c.endReason,
		AICloseCode:   c.aiCloseCode,
		AICloseReason: c.aiCloseReason,
		Stats:         c.stats,
	}
}

// Handle applies one event. A non-nil error reports a dropped event or
// message; it never ends the call and the returned effects are still valid.
func (c *Controller) Handle(ev Event) ([]Effect, error) {
	from := c.State()
	if from == StateClosed {
		return nil, fmt.Errorf("%w: %s after close", ErrIgnored, ev.Name())
	}

	switch e := ev.(type) {
	case TelephonyMedia:
		return c.forwardToAI(e)
	case AIMessage:
		return c.forwardToTelephony(e)
	case TelephonyConnected:
		c.bind(e)
		if from != StateIdle {
			// "connected" then "start": the second readiness signal only
			// refreshes the stream ids.
			return nil, nil
		}
	case AIOpened:
		if from == StateClosingAI {
			// The dial completed after the call began closing.
			return []Effect{{Kind: EffectCloseAI}}, nil
		}
	case AIClosed:
		if c.aiCloseCode == 0 && c.aiCloseReason == "" {
			c.aiCloseCode = e.Code
			c.aiCloseReason = e.Reason
		}
	}

	if err := c.machine.Event(context.Background(), ev.Name()); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: %s in state %s", ErrIgnored, ev.Name(), from)
		}
		return nil, fmt.Errorf("transition %s from %s: %w", ev.Name(), from, err)
	}
	to := c.State()
	c.noteEndReason(ev, from)
	return c.effectsFor(from, to)
}

func (c *Controller) bind(e TelephonyConnected) {
	if e.StreamSID != "" {
		c.streamSID = e.StreamSID
	}
	if e.CallSID != "" {
		c.callSID = e.CallSID
	}
}

func (c *Controller) noteEndReason(ev Event, from State) {
	if c.endReason != "" {
		return
	}
	switch e := ev.(type) {
	case TelephonyStop:
		c.endReason = EndTelephonyStop
	case TelephonyClosed:
		c.endReason = EndTelephonyClosed
	case AIConnectTimeout:
		c.endReason = EndAIConnectTimeout
	case AIClosed:
		if from == StateAwaitingAIConnection && e.Err != nil {
			c.endReason = EndAIDialFailed
		} else {
			c.endReason = EndAIClosed
		}
	}
}

func (c *Controller) effectsFor(from, to State) ([]Effect, error) {
	switch to {
	case StateAwaitingAIConnection:
		return []Effect{{Kind: EffectDialAI}}, nil
	case StateBridging:
		msgs, err := c.adapter.Handshake()
		if err != nil {
			return nil, fmt.Errorf("agent handshake: %w", err)
		}
		effects := make([]Effect, 0, len(msgs))
		for _, m := range msgs {
			effects = append(effects, Effect{Kind: EffectSendAI, AI: m})
		}
		return effects, nil
	case StateClosingAI:
		return []Effect{{Kind: EffectCloseAI}}, nil
	case StateClosingTelephony:
		if c.endReason == EndAIConnectTimeout {
			return []Effect{{Kind: EffectCloseAI}, {Kind: EffectCloseTelephony}}, nil
		}
		return []Effect{{Kind: EffectCloseTelephony}}, nil
	case StateClosed:
		if from == StateClosingTelephony {
			return []Effect{{Kind: EffectRelease}}, nil
		}
		return []Effect{{Kind: EffectCloseTelephony}, {Kind: EffectRelease}}, nil
	default:
		return nil, nil
	}
}

func (c *Controller) forwardToAI(e TelephonyMedia) ([]Effect, error) {
	c.stats.MediaIn++
	state := c.State()
	if state != StateBridging {
		c.stats.Dropped++
		return nil, fmt.Errorf("%w: telephony media in state %s", ErrIgnored, state)
	}
	if len(e.Payload) == 0 {
		c.stats.Dropped++
		return nil, fmt.Errorf("%w: empty telephony media", ErrIgnored)
	}

	frame := c.transcoder.ToAgentFrame(e.Payload)
	msg, err := c.adapter.EncodeAudio(audio.SamplesToBytes(frame.Samples))
	if err != nil {
		c.stats.Dropped++
		return nil, err
	}
	c.stats.ChunksToAI++
	c.stats.CallerAudioMS += frame.DurationMS()
	return []Effect{{Kind: EffectSendAI, AI: msg}}, nil
}

func (c *Controller) forwardToTelephony(e AIMessage) ([]Effect, error) {
	state := c.State()
	if state != StateBridging {
		c.stats.Dropped++
		return nil, fmt.Errorf("%w: agent message in state %s", ErrIgnored, state)
	}

	ev, err := c.adapter.Decode(e.Message)
	if err != nil {
		c.stats.Dropped++
		return nil, err
	}
	if ev.Kind == protocol.AgentControl {
		c.stats.ControlEvents++
		if c.onControl != nil {
			c.onControl(ev.Type)
		}
		if ev.Reply != nil {
			return []Effect{{Kind: EffectSendAI, AI: *ev.Reply}}, nil
		}
		return nil, nil
	}

	if c.streamSID == "" {
		// "connected" starts the dial but carries no stream id; media
		// frames without one would be rejected by the telephony side.
		c.stats.Dropped++
		return nil, fmt.Errorf("%w: agent audio before a stream id is bound", ErrIgnored)
	}
	mulaw := c.transcoder.ToTelephony(ev.PCM)
	if len(mulaw) == 0 {
		c.stats.Dropped++
		return nil, fmt.Errorf("%w: agent audio shorter than one telephony sample", ErrIgnored)
	}
	frame, err := protocol.EncodeTelephonyMedia(c.streamSID, mulaw)
	if err != nil {
		c.stats.Dropped++
		return nil, err
	}
	c.stats.ChunksToTelephony++
	return []Effect{{Kind: EffectSendTelephony, Telephony: frame}}, nil
}
