package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Leg labels.
const (
	LegTelephony = "telephony"
	LegAgent     = "agent"
)

// Metrics groups all Prometheus instruments used by the relay. Each Metrics
// owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	relayLatencyName  string
	controlEventsName string

	ActiveCalls      prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	DroppedMessages  *prometheus.CounterVec
	ChannelErrors    *prometheus.CounterVec
	AICloses         *prometheus.CounterVec
	RelayLatency     *prometheus.HistogramVec
	ControlEvents    *prometheus.CounterVec
	AudioBytes       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry:          reg,
		relayLatencyName:  prometheus.BuildFQName(namespace, "", "relay_latency_ms"),
		controlEventsName: prometheus.BuildFQName(namespace, "", "agent_control_events_total"),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently bridged or being set up.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions by source and destination state.",
		}, []string{"from", "to"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by leg and direction.",
		}, []string{"leg", "direction"}),
		DroppedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped without forwarding, by leg and reason.",
		}, []string{"leg", "reason"}),
		ChannelErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_errors_total",
			Help:      "Transport failures by leg and operation.",
		}, []string{"leg", "op"}),
		AICloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_channel_closes_total",
			Help:      "Agent channel closures by close-code class.",
		}, []string{"class"}),
		RelayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_latency_ms",
			Help:      "Relay stage latency in milliseconds: agent dial and per-frame transcoding in each direction.",
			Buckets:   relayBuckets,
		}, []string{"stage"}),
		ControlEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_control_events_total",
			Help:      "Agent control messages by type.",
		}, []string{"type"}),
		AudioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Forwarded audio payload bytes by destination leg.",
		}, []string{"leg"}),
	}
}

// ObserveStage records one relay latency sample.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.RelayLatency.WithLabelValues(stage).Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
