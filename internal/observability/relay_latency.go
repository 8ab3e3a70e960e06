package observability

import (
	"math"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Relay latency stages.
const (
	StageAIConnect   = "ai_connect"
	StageToAgent     = "telephony_to_agent"
	StageToTelephony = "agent_to_telephony"
)

// FrameBudgetMS is the audio carried by one telephony media frame. Both
// transcoding stages run once per frame and have to finish inside it.
const FrameBudgetMS = 20.0

// relayBuckets covers sub-millisecond transcoding up to slow agent dials.
// Every stage budget is a bucket boundary.
var relayBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 50, 100, 250, 500, 1000, 1500, 2500, 5000}

func stageBudgetMS(stage string) float64 {
	switch stage {
	case StageAIConnect:
		return 1500
	case StageToAgent, StageToTelephony:
		return FrameBudgetMS
	default:
		return 0
	}
}

// StageLatency summarises one relay stage since process start. Quantiles are
// interpolated within histogram buckets.
type StageLatency struct {
	Stage        string  `json:"stage"`
	Samples      uint64  `json:"samples"`
	MeanMS       float64 `json:"mean_ms"`
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	BudgetMS     float64 `json:"budget_ms,omitempty"`
	WithinBudget float64 `json:"within_budget,omitempty"`
}

// LatencyReport is the /v1/perf/latency payload.
type LatencyReport struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	FrameBudgetMS float64           `json:"frame_budget_ms"`
	Stages        []StageLatency    `json:"stages"`
	ControlEvents map[string]uint64 `json:"control_events,omitempty"`
}

// LatencyReport reads the relay histograms and agent control counters back
// out of the registry.
func (m *Metrics) LatencyReport() (LatencyReport, error) {
	report := LatencyReport{
		GeneratedAt:   time.Now().UTC(),
		FrameBudgetMS: FrameBudgetMS,
		Stages:        []StageLatency{},
	}
	// Gather still returns what it collected when one collector fails.
	families, err := m.registry.Gather()
	if err != nil && len(families) == 0 {
		return report, err
	}
	for _, mf := range families {
		switch mf.GetName() {
		case m.relayLatencyName:
			for _, metric := range mf.GetMetric() {
				stage := labelValue(metric, "stage")
				if s, ok := summariseStage(stage, metric.GetHistogram()); ok {
					report.Stages = append(report.Stages, s)
				}
			}
		case m.controlEventsName:
			for _, metric := range mf.GetMetric() {
				if report.ControlEvents == nil {
					report.ControlEvents = make(map[string]uint64)
				}
				report.ControlEvents[labelValue(metric, "type")] = uint64(metric.GetCounter().GetValue())
			}
		}
	}
	sort.Slice(report.Stages, func(i, j int) bool { return report.Stages[i].Stage < report.Stages[j].Stage })
	return report, nil
}

func summariseStage(stage string, h *dto.Histogram) (StageLatency, bool) {
	count := h.GetSampleCount()
	if count == 0 {
		return StageLatency{}, false
	}
	s := StageLatency{
		Stage:    stage,
		Samples:  count,
		MeanMS:   round2(h.GetSampleSum() / float64(count)),
		P50MS:    round2(bucketQuantile(0.50, h)),
		P95MS:    round2(bucketQuantile(0.95, h)),
		P99MS:    round2(bucketQuantile(0.99, h)),
		BudgetMS: stageBudgetMS(stage),
	}
	if s.BudgetMS > 0 {
		var within uint64
		for _, b := range h.GetBucket() {
			if b.GetUpperBound() <= s.BudgetMS {
				within = b.GetCumulativeCount()
			}
		}
		s.WithinBudget = round2(float64(within) / float64(count))
	}
	return s, true
}

// bucketQuantile estimates quantile q the way histogram_quantile does:
// linear interpolation inside the bucket holding the target rank. Samples
// beyond the last finite bound report that bound.
func bucketQuantile(q float64, h *dto.Histogram) float64 {
	buckets := h.GetBucket()
	count := h.GetSampleCount()
	if len(buckets) == 0 || count == 0 {
		return 0
	}
	rank := q * float64(count)
	lower, below := 0.0, uint64(0)
	for _, b := range buckets {
		upper := b.GetUpperBound()
		if math.IsInf(upper, 1) {
			break
		}
		cum := b.GetCumulativeCount()
		if float64(cum) >= rank {
			inBucket := cum - below
			if inBucket == 0 {
				return upper
			}
			return lower + (upper-lower)*(rank-float64(below))/float64(inBucket)
		}
		lower, below = upper, cum
	}
	return lower
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
