package handlers

import (
	"net/http"
	"time"

	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/repositories"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	health  repositories.HealthRepository
	started time.Time
	now     func() time.Time
}

// NewHealthHandlers constructs the probe handlers. The health repository
// may be nil, in which case readiness degrades to the liveness answer.
func NewHealthHandlers(health repositories.HealthRepository) *HealthHandlers {
	return &HealthHandlers{
		health:  health,
		started: time.Now(),
		now:     time.Now,
	}
}

type healthzResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

type readyzCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type readyzResponse struct {
	Status    string                 `json:"status"`
	Checks    map[string]readyzCheck `json:"checks,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, healthzResponse{
		Status:    "ok",
		Uptime:    now.Sub(h.started).Truncate(time.Second).String(),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// Readyz evaluates the dependency checks and returns 503 when any of
// them reports an error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()

	if h.health == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{
			Status:    string(repositories.HealthStatusOK),
			Timestamp: now.UTC().Format(time.RFC3339),
		})
		return
	}

	report, err := h.health.Collect(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_check_failed", "unable to evaluate dependencies", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]readyzCheck, len(report.Checks))
	for name, result := range report.Checks {
		check := readyzCheck{
			Status:    string(result.Status),
			Error:     result.Error,
			LatencyMS: result.Latency.Milliseconds(),
		}
		if result.Status != repositories.HealthStatusOK {
			check.Detail = result.Detail
		}
		checks[name] = check
	}

	status := http.StatusOK
	if report.Status == repositories.HealthStatusError {
		status = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, status, readyzResponse{
		Status:    string(report.Status),
		Checks:    checks,
		Timestamp: report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}
