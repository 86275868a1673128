package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := dashboardFS.ReadFile("dashboard.html")
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "vigil",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

// aggregateResponse is the camelCase fleet summary.
type aggregateResponse struct {
	OverallStatus string  `json:"overallStatus"`
	TotalServices int     `json:"totalServices"`
	Healthy       int     `json:"healthy"`
	Warning       int     `json:"warning"`
	Error         int     `json:"error"`
	Offline       int     `json:"offline"`
	CriticalDown  int     `json:"criticalDown"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	Timestamp     string  `json:"timestamp"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	agg := s.reg.Aggregate()

	overall := "healthy"
	switch {
	case agg.CriticalDown > 0:
		overall = "critical"
	case agg.Unhealthy > 0:
		overall = "error"
	case agg.Degraded > 0:
		overall = "warning"
	case agg.Healthy == 0:
		overall = "unknown"
	}

	writeJSON(w, http.StatusOK, aggregateResponse{
		OverallStatus: overall,
		TotalServices: agg.Total,
		Healthy:       agg.Healthy,
		Warning:       agg.Degraded,
		Error:         agg.Unhealthy,
		Offline:       agg.Unknown,
		CriticalDown:  agg.CriticalDown,
		AvgLatencyMs:  agg.AvgLatencyMs,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.reg.List()})
}

// serviceDetail is the expanded per-service view.
type serviceDetail struct {
	Service      types.Service         `json:"service"`
	Status       types.ServiceStatus   `json:"status"`
	Outcomes     []types.ProbeOutcome  `json:"recentOutcomes"`
	Events       []types.Event         `json:"recentEvents"`
	Stats        *types.ContainerStats `json:"stats,omitempty"`
	ErrorRatePPM float64               `json:"failuresPerMinute"`
}

func (s *Server) serviceDetail(id string) (*serviceDetail, error) {
	entry, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	outcomes, _ := s.reg.Outcomes(id)
	events, _ := s.reg.RecentEvents(id)
	st, _ := s.reg.Stats(id)

	var perMinute float64
	if len(outcomes) > 0 {
		var ring registry.Ring
		for i := len(outcomes) - 1; i >= 0; i-- {
			ring.Push(outcomes[i])
		}
		perMinute = ring.FailuresPerMinute(time.Now())
	}

	return &serviceDetail{
		Service:      entry.Service,
		Status:       entry.Status,
		Outcomes:     outcomes,
		Events:       events,
		Stats:        st,
		ErrorRatePPM: perMinute,
	}, nil
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	detail, err := s.serviceDetail(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	cmd := types.Command{
		Kind:        types.CommandRestartService,
		ServiceID:   r.PathValue("id"),
		RequestID:   requestIDFrom(r.Context()),
		Credentials: credentialsFrom(r),
	}
	res, err := s.dispatcher.Restart(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var spec types.ComposeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", types.ErrInvalid, err))
		return
	}

	cmd := types.Command{
		Kind:        types.CommandComposeAction,
		Compose:     &spec,
		RequestID:   requestIDFrom(r.Context()),
		Credentials: credentialsFrom(r),
	}
	out, err := s.dispatcher.Compose(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": out})
}

// systemMetrics is the JSON counterpart of the Prometheus endpoint for
// dashboard consumption.
type systemMetrics struct {
	TotalServices         int     `json:"totalServices"`
	HealthyServices       int     `json:"healthyServices"`
	DegradedServices      int     `json:"degradedServices"`
	UnhealthyServices     int     `json:"unhealthyServices"`
	UnknownServices       int     `json:"unknownServices"`
	CriticalDown          int     `json:"criticalDown"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
	WebsocketConnections  int     `json:"websocketConnections"`
	TotalHTTPRequests     uint64  `json:"totalHttpRequests"`
	UptimeSeconds         int64   `json:"uptimeSeconds"`
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	agg := s.reg.Aggregate()
	writeJSON(w, http.StatusOK, systemMetrics{
		TotalServices:         agg.Total,
		HealthyServices:       agg.Healthy,
		DegradedServices:      agg.Degraded,
		UnhealthyServices:     agg.Unhealthy,
		UnknownServices:       agg.Unknown,
		CriticalDown:          agg.CriticalDown,
		AverageResponseTimeMs: agg.AvgLatencyMs,
		WebsocketConnections:  int(s.wsConns.Load()),
		TotalHTTPRequests:     metrics.TotalHTTPRequests(),
		UptimeSeconds:         int64(time.Since(s.startedAt).Seconds()),
	})
}
