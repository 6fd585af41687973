package handlers

import (
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system services.SystemService
	clock  func() time.Time
	build  services.BuildInfo
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService sets the service that aggregates dependency checks for /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthBuildInfo sets the version metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// NewHealthHandlers constructs health handlers. Without a system service /readyz always reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readyzCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

type readyzResponse struct {
	Status  string                 `json:"status"`
	Checks  map[string]readyzCheck `json:"checks"`
	Details []string               `json:"details,omitempty"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthzResponse{
		Status:      "ok",
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzResponse{Status: "ok", Checks: map[string]readyzCheck{}})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(ctx).Warn("health report failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable).WithRetryable(true))
		return
	}

	resp := readyzResponse{
		Status: report.Status,
		Checks: make(map[string]readyzCheck, len(report.Checks)),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		entry := readyzCheck{Status: check.Status, Error: check.Error}
		if check.Latency > 0 {
			entry.Latency = check.Latency.String()
		}
		resp.Checks[name] = entry
		if check.Error != "" {
			resp.Details = append(resp.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
