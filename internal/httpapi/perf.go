package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/observability"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.LatencyReport{
			FrameBudgetMS: observability.FrameBudgetMS,
			Stages:        []observability.StageLatency{},
		})
		return
	}
	report, err := s.metrics.LatencyReport()
	if err != nil {
		s.log.Warn("latency report failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "metrics", "latency report unavailable")
		return
	}
	respondJSON(w, http.StatusOK, report)
}
