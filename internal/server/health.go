package server

import (
	"context"
	"net/http"
	"time"
)

// healthTimeout bounds each dependency probe.
const healthTimeout = 2 * time.Second

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyHealth `json:"dependencies"`
	QueueDepth   int                         `json:"queue_depth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true
	deps := make(map[string]dependencyHealth, len(s.health))

	for _, check := range s.health {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := check.ping(checkCtx)
		cancel()

		info := dependencyHealth{Connected: err == nil}
		if err != nil {
			info.Error = err.Error()
			overallHealthy = false
		} else {
			info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		deps[check.name] = info
	}

	queueDepth := 0
	if s.deps.Releases != nil {
		queueDepth = s.deps.Releases.DLQDepth()
	}

	resp := healthResponse{
		Status:       "healthy",
		Dependencies: deps,
		QueueDepth:   queueDepth,
	}
	status := http.StatusOK
	if !overallHealthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
