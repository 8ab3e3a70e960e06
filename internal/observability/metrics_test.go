package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyReportFromHistograms(t *testing.T) {
	m := NewMetrics("perf")
	for i := 0; i < 9; i++ {
		m.ObserveStage(StageToAgent, 300*time.Microsecond)
	}
	m.ObserveStage(StageToAgent, 30*time.Millisecond)
	m.ObserveStage(StageAIConnect, 400*time.Millisecond)
	m.ControlEvents.WithLabelValues("interruption").Inc()
	m.ControlEvents.WithLabelValues("interruption").Inc()

	report, err := m.LatencyReport()
	if err != nil {
		t.Fatalf("LatencyReport() error = %v", err)
	}
	if report.FrameBudgetMS != FrameBudgetMS {
		t.Fatalf("FrameBudgetMS = %.2f, want %.2f", report.FrameBudgetMS, FrameBudgetMS)
	}
	if len(report.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(report.Stages))
	}

	connect, toAgent := report.Stages[0], report.Stages[1]
	if connect.Stage != StageAIConnect || toAgent.Stage != StageToAgent {
		t.Fatalf("stages = %q, %q", connect.Stage, toAgent.Stage)
	}
	if connect.Samples != 1 || connect.BudgetMS != 1500 || connect.WithinBudget != 1 {
		t.Fatalf("connect = %+v", connect)
	}

	if toAgent.Samples != 10 {
		t.Fatalf("Samples = %d, want 10", toAgent.Samples)
	}
	if toAgent.BudgetMS != FrameBudgetMS {
		t.Fatalf("BudgetMS = %.2f, want %.2f", toAgent.BudgetMS, FrameBudgetMS)
	}
	if toAgent.WithinBudget != 0.9 {
		t.Fatalf("WithinBudget = %.2f, want 0.9", toAgent.WithinBudget)
	}
	if toAgent.P50MS <= 0.25 || toAgent.P50MS > 0.5 {
		t.Fatalf("P50MS = %.2f, want (0.25,0.5]", toAgent.P50MS)
	}
	if toAgent.P99MS <= 20 || toAgent.P99MS > 50 {
		t.Fatalf("P99MS = %.2f, want (20,50]", toAgent.P99MS)
	}
	if toAgent.MeanMS != 3.27 {
		t.Fatalf("MeanMS = %.2f, want 3.27", toAgent.MeanMS)
	}

	if got := report.ControlEvents["interruption"]; got != 2 {
		t.Fatalf("ControlEvents[interruption] = %d, want 2", got)
	}
}

func TestLatencyReportEmpty(t *testing.T) {
	report, err := NewMetrics("").LatencyReport()
	if err != nil {
		t.Fatalf("LatencyReport() error = %v", err)
	}
	if report.Stages == nil || len(report.Stages) != 0 {
		t.Fatalf("Stages = %+v, want empty list", report.Stages)
	}
	if report.ControlEvents != nil {
		t.Fatalf("ControlEvents = %+v, want none", report.ControlEvents)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	// Two instances must not collide on registration.
	_ = NewMetrics("callbridge")
	m := NewMetrics("callbridge")
	m.ActiveCalls.Set(3)
	m.ObserveStage(StageAIConnect, 250*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"callbridge_active_calls 3",
		`callbridge_relay_latency_ms_count{stage="ai_connect"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
