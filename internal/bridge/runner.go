package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/session"
)

const (
	writeTimeout          = 10 * time.Second
	defaultConnectTimeout = 5 * time.Second
	eventQueueSize        = 256
)

// Options wires a Runner to its collaborators. Metrics, Sessions and Store
// are optional.
type Options struct {
	Adapter        protocol.AgentAdapter
	Transcoder     audio.Transcoder
	Dialer         Dialer
	ConnectTimeout time.Duration

	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Sessions *session.Manager
	Store    calllog.Store
}

// aiDialed carries a freshly opened agent connection into the run loop.
type aiDialed struct {
	conn Conn
}

func (aiDialed) Name() string { return "ai_dialed" }

// leg wraps a connection so it is closed exactly once and remembers
// whether the close was ours or forced by a transport failure.
type leg struct {
	name    string
	conn    Conn
	local   atomic.Bool
	failure atomic.Pointer[ChannelError]
	closed  sync.Once
}

func (l *leg) write(messageType int, data []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteMessage(messageType, data)
}

// shutdown sends a normal close frame and closes the connection.
func (l *leg) shutdown() {
	l.closed.Do(func() {
		l.local.Store(true)
		_ = l.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = l.conn.Close()
	})
}

// fail closes the connection after a transport error. The reader reports
// the close as abnormal rather than as ours.
func (l *leg) fail(err *ChannelError) {
	l.closed.Do(func() {
		l.failure.Store(err)
		_ = l.conn.Close()
	})
}

// abort closes the connection without a close frame.
func (l *leg) abort() {
	l.closed.Do(func() {
		l.local.Store(true)
		_ = l.conn.Close()
	})
}

// Runner drives one call: it feeds events from both legs into a
// session.Controller one at a time and carries out the returned effects.
// The run loop is the only writer on either connection.
type Runner struct {
	opts   Options
	log    *zap.Logger
	ctrl   *session.Controller
	callID string

	telephony *leg
	agent     *leg

	events  chan session.Event
	loopCtx context.Context
	group   *errgroup.Group

	cancelDial   context.CancelFunc
	connectTimer *time.Timer
	dialStarted  time.Time
	startedAt    time.Time
}

func NewRunner(telephony Conn, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Transcoder.AgentRate == 0 {
		opts.Transcoder = audio.NewTranscoder(0)
	}
	return &Runner{
		opts:      opts,
		log:       opts.Logger,
		ctrl:      session.NewController(opts.Adapter, opts.Transcoder),
		telephony: &leg{name: observability.LegTelephony, conn: telephony},
		events:    make(chan session.Event, eventQueueSize),
	}
}

// Snapshot reports the controller state. Only call it after Run returns.
func (r *Runner) Snapshot() session.Snapshot {
	return r.ctrl.Snapshot()
}

// Run relays the call until it reaches Closed. Cancelling ctx tears the call
// down as if the telephony side had gone away.
func (r *Runner) Run(ctx context.Context) session.Snapshot {
	r.startedAt = time.Now().UTC()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if r.opts.Sessions != nil {
		call := r.opts.Sessions.Register(string(r.opts.Adapter.Variant()), cancelRun)
		r.callID = call.ID
	}
	r.log = r.log.With(zap.String("session_id", r.callID), zap.String("variant", string(r.opts.Adapter.Variant())))
	r.observeEvent("accepted")
	if m := r.opts.Metrics; m != nil && r.opts.Sessions != nil {
		m.ActiveCalls.Set(float64(r.opts.Sessions.ActiveCount()))
	}

	r.ctrl.OnTransition(r.onTransition)
	r.ctrl.OnControl(r.onControl)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(loopCtx)
	r.loopCtx, r.group = groupCtx, group

	telephonyLog := r.log
	group.Go(func() error { return r.readTelephony(telephonyLog) })

	cancelled := runCtx.Done()
	for !r.ctrl.Done() {
		select {
		case ev := <-r.events:
			r.step(ev)
		case <-cancelled:
			cancelled = nil
			r.log.Info("call cancelled", zap.Error(runCtx.Err()))
			r.step(session.TelephonyClosed{Err: runCtx.Err()})
		}
	}

	stopLoop()
	r.telephony.abort()
	if r.agent != nil {
		r.agent.abort()
	}
	_ = group.Wait()
	r.drain()

	return r.ctrl.Snapshot()
}

// post queues an event for the run loop; it reports false once the loop
// has stopped.
func (r *Runner) post(ev session.Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.loopCtx.Done():
		return false
	}
}

// drain releases connections that were dialed after the loop stopped.
func (r *Runner) drain() {
	for {
		select {
		case ev := <-r.events:
			if d, ok := ev.(aiDialed); ok {
				_ = d.conn.Close()
			}
		default:
			return
		}
	}
}

func (r *Runner) step(ev session.Event) {
	if d, ok := ev.(aiDialed); ok {
		if !r.acceptAgent(d.conn) {
			r.log.Debug("late agent connection discarded", zap.String("state", string(r.ctrl.State())))
			return
		}
		ev = session.AIOpened{}
	}
	switch ev.(type) {
	case session.AIOpened, session.AIClosed, session.AIConnectTimeout:
		r.stopConnectTimer()
	}
	if r.opts.Sessions != nil && r.callID != "" {
		_ = r.opts.Sessions.Touch(r.callID)
	}

	began := time.Now()
	effects, err := r.ctrl.Handle(ev)
	if err != nil {
		r.noteDrop(ev, err)
	}
	for _, eff := range effects {
		r.apply(eff)
	}

	if m := r.opts.Metrics; m != nil && len(effects) > 0 {
		switch effects[0].Kind {
		case session.EffectSendAI:
			if _, ok := ev.(session.TelephonyMedia); ok {
				m.ObserveStage(observability.StageToAgent, time.Since(began))
			}
		case session.EffectSendTelephony:
			m.ObserveStage(observability.StageToTelephony, time.Since(began))
		}
	}
	if c, ok := ev.(session.TelephonyConnected); ok && err == nil {
		r.bind(c)
	}
}

// acceptAgent adopts a dialed connection. A connection that arrives once the
// call no longer wants one is closed straight away.
func (r *Runner) acceptAgent(conn Conn) bool {
	if !r.ctrl.State().HasAIChannel() {
		_ = conn.Close()
		return false
	}
	if m := r.opts.Metrics; m != nil && !r.dialStarted.IsZero() {
		m.ObserveStage(observability.StageAIConnect, time.Since(r.dialStarted))
	}
	r.agent = &leg{name: observability.LegAgent, conn: conn}
	agent, log := r.agent, r.log
	r.group.Go(func() error { return r.readAgent(agent, log) })
	return true
}

func (r *Runner) apply(eff session.Effect) {
	switch eff.Kind {
	case session.EffectDialAI:
		r.dial()
	case session.EffectSendAI:
		r.sendAI(eff.AI)
	case session.EffectSendTelephony:
		r.sendTelephony(eff.Telephony)
	case session.EffectCloseAI:
		r.closeAI()
	case session.EffectCloseTelephony:
		r.telephony.shutdown()
	case session.EffectRelease:
		r.release()
	}
}

func (r *Runner) dial() {
	dialCtx, cancel := context.WithCancel(r.loopCtx)
	r.cancelDial = cancel
	r.dialStarted = time.Now()
	r.connectTimer = time.AfterFunc(r.opts.ConnectTimeout, func() {
		r.post(session.AIConnectTimeout{})
	})
	log := r.log
	log.Debug("dialing agent")

	r.group.Go(func() error {
		conn, err := r.opts.Dialer.Dial(dialCtx)
		if err != nil {
			r.countChannelError(observability.LegAgent, "dial")
			log.Warn("agent dial failed", zap.Error(err))
			r.post(session.AIClosed{Err: err})
			return nil
		}
		if !r.post(aiDialed{conn: conn}) {
			_ = conn.Close()
		}
		return nil
	})
}

func (r *Runner) closeAI() {
	if r.cancelDial != nil {
		r.cancelDial()
	}
	if r.agent != nil {
		r.agent.shutdown()
	}
}

func (r *Runner) sendAI(msg protocol.OutboundMessage) {
	if r.agent == nil {
		return
	}
	mt := websocket.TextMessage
	if msg.Binary {
		mt = websocket.BinaryMessage
	}
	if err := r.agent.write(mt, msg.Data); err != nil {
		ce := &ChannelError{Leg: observability.LegAgent, Op: "write", Err: err}
		r.countChannelError(observability.LegAgent, "write")
		r.log.Warn("agent write failed", zap.Error(ce))
		r.agent.fail(ce)
		return
	}
	if m := r.opts.Metrics; m != nil {
		m.WSMessages.WithLabelValues(observability.LegAgent, "outbound").Inc()
		m.AudioBytes.WithLabelValues(observability.LegAgent).Add(float64(len(msg.Data)))
	}
}

func (r *Runner) sendTelephony(frame []byte) {
	if err := r.telephony.write(websocket.TextMessage, frame); err != nil {
		ce := &ChannelError{Leg: observability.LegTelephony, Op: "write", Err: err}
		r.countChannelError(observability.LegTelephony, "write")
		r.log.Warn("telephony write failed", zap.Error(ce))
		r.telephony.fail(ce)
		return
	}
	if m := r.opts.Metrics; m != nil {
		m.WSMessages.WithLabelValues(observability.LegTelephony, "outbound").Inc()
		m.AudioBytes.WithLabelValues(observability.LegTelephony).Add(float64(len(frame)))
	}
}

func (r *Runner) release() {
	r.stopConnectTimer()
	if r.cancelDial != nil {
		r.cancelDial()
	}
	r.telephony.abort()
	if r.agent != nil {
		r.agent.abort()
	}

	snap := r.ctrl.Snapshot()
	endReason := snap.EndReason
	if r.opts.Sessions != nil && r.callID != "" {
		if call, err := r.opts.Sessions.End(r.callID, snap.EndReason); err == nil {
			endReason = call.EndReason
		}
	}

	if m := r.opts.Metrics; m != nil {
		if r.opts.Sessions != nil {
			m.ActiveCalls.Set(float64(r.opts.Sessions.ActiveCount()))
		}
		m.SessionEvents.WithLabelValues("ended_" + endReason).Inc()
	}

	if r.opts.Store != nil {
		rec := calllog.Record{
			SessionID:         r.callID,
			StreamSID:         snap.StreamSID,
			CallSID:           snap.CallSID,
			Variant:           string(r.opts.Adapter.Variant()),
			StartedAt:         r.startedAt,
			EndedAt:           time.Now().UTC(),
			EndReason:         endReason,
			AICloseCode:       snap.AICloseCode,
			AICloseReason:     snap.AICloseReason,
			MediaIn:           snap.Stats.MediaIn,
			ChunksToAI:        snap.Stats.ChunksToAI,
			ChunksToTelephony: snap.Stats.ChunksToTelephony,
			ControlEvents:     snap.Stats.ControlEvents,
			Dropped:           snap.Stats.Dropped,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.opts.Store.Save(ctx, rec); err != nil {
			r.log.Warn("save call record failed", zap.Error(err))
		}
		cancel()
	}

	r.log.Info("call released",
		zap.String("end_reason", endReason),
		zap.Int("ai_close_code", snap.AICloseCode),
		zap.Int("chunks_to_ai", snap.Stats.ChunksToAI),
		zap.Int("caller_audio_ms", snap.Stats.CallerAudioMS),
		zap.Int("chunks_to_telephony", snap.Stats.ChunksToTelephony),
		zap.Int("dropped", snap.Stats.Dropped),
	)
}

func (r *Runner) stopConnectTimer() {
	if r.connectTimer != nil {
		r.connectTimer.Stop()
		r.connectTimer = nil
	}
}

func (r *Runner) readTelephony(log *zap.Logger) error {
	for {
		mt, data, err := r.telephony.conn.ReadMessage()
		if err != nil {
			if ce := r.telephony.failure.Load(); ce != nil {
				err = ce
			}
			if !r.telephony.local.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("telephony read ended", zap.Error(err))
			}
			r.post(session.TelephonyClosed{Err: err})
			return nil
		}
		if m := r.opts.Metrics; m != nil {
			m.WSMessages.WithLabelValues(observability.LegTelephony, "inbound").Inc()
		}
		if mt != websocket.TextMessage {
			r.countDrop(observability.LegTelephony, "binary_frame")
			continue
		}

		ev, err := protocol.ParseTelephonyEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedEventType) {
				r.countDrop(observability.LegTelephony, "unsupported")
				log.Debug("unsupported telephony event", zap.Error(err))
			} else {
				r.countDrop(observability.LegTelephony, "malformed")
				log.Warn("malformed telephony frame", zap.Error(err))
			}
			continue
		}

		var out session.Event
		switch ev.Kind {
		case protocol.TelephonyConnected:
			out = session.TelephonyConnected{StreamSID: ev.StreamSID, CallSID: ev.CallSID}
		case protocol.TelephonyMedia:
			out = session.TelephonyMedia{Payload: ev.Payload}
		case protocol.TelephonyStop:
			out = session.TelephonyStop{}
		default:
			log.Debug("telephony event ignored", zap.String("event", string(ev.Name)), zap.String("mark", ev.Mark))
			continue
		}
		if !r.post(out) {
			return nil
		}
	}
}

func (r *Runner) readAgent(l *leg, log *zap.Logger) error {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			switch ce := l.failure.Load(); {
			case ce != nil:
				code, reason, err = websocket.CloseAbnormalClosure, "write failed", ce
			case l.local.Load():
				code, reason = websocket.CloseNormalClosure, ""
			default:
				log.Info("agent closed the channel",
					zap.Int("code", code),
					zap.String("reason", reason),
					zap.Bool("retryable", reliability.IsRetryableClose(code)),
				)
			}
			if m := r.opts.Metrics; m != nil {
				m.AICloses.WithLabelValues(reliability.ClassifyClose(code)).Inc()
			}
			r.post(session.AIClosed{Code: code, Reason: reason, Err: err})
			return nil
		}
		if m := r.opts.Metrics; m != nil {
			m.WSMessages.WithLabelValues(observability.LegAgent, "inbound").Inc()
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		msg := protocol.InboundMessage{Binary: mt == websocket.BinaryMessage, Data: data}
		if !r.post(session.AIMessage{Message: msg}) {
			return nil
		}
	}
}

func (r *Runner) onTransition(from, to session.State) {
	r.log.Info("session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if r.opts.Sessions != nil && r.callID != "" {
		_ = r.opts.Sessions.SetState(r.callID, to)
	}
	if m := r.opts.Metrics; m != nil {
		m.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
		if to == session.StateBridging {
			m.SessionEvents.WithLabelValues("bridged").Inc()
		}
	}
}

func (r *Runner) onControl(eventType string) {
	if m := r.opts.Metrics; m != nil {
		m.ControlEvents.WithLabelValues(eventType).Inc()
	}
	if reliability.IsAgentErrorType(eventType) {
		r.log.Warn("agent reported error", zap.String("type", eventType))
		return
	}
	r.log.Debug("agent control event", zap.String("type", eventType))
}

func (r *Runner) bind(c session.TelephonyConnected) {
	snap := r.ctrl.Snapshot()
	if c.StreamSID != "" {
		r.log = r.log.With(zap.String("stream_sid", c.StreamSID))
	}
	if r.opts.Sessions != nil && r.callID != "" {
		_ = r.opts.Sessions.Bind(r.callID, snap.StreamSID, snap.CallSID)
	}
	r.observeEvent("connected")
}

func (r *Runner) noteDrop(ev session.Event, err error) {
	leg := observability.LegTelephony
	switch ev.(type) {
	case session.AIMessage, session.AIOpened, session.AIClosed, session.AIConnectTimeout:
		leg = observability.LegAgent
	}
	switch {
	case errors.Is(err, session.ErrIgnored):
		r.countDrop(leg, "ignored")
		r.log.Debug("event ignored", zap.String("event", ev.Name()), zap.Error(err))
	case errors.Is(err, protocol.ErrMalformedMessage):
		r.countDrop(leg, "malformed")
		r.log.Warn("malformed message dropped", zap.String("event", ev.Name()), zap.Error(err))
	default:
		r.countDrop(leg, "error")
		r.log.Warn("event failed", zap.String("event", ev.Name()), zap.Error(err))
	}
}

func (r *Runner) countDrop(leg, reason string) {
	if m := r.opts.Metrics; m != nil {
		m.DroppedMessages.WithLabelValues(leg, reason).Inc()
	}
}

func (r *Runner) countChannelError(leg, op string) {
	if m := r.opts.Metrics; m != nil {
		m.ChannelErrors.WithLabelValues(leg, op).Inc()
	}
}

func (r *Runner) observeEvent(event string) {
	if m := r.opts.Metrics; m != nil {
		m.SessionEvents.WithLabelValues(event).Inc()
	}
}
