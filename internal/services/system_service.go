package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// BuildInfo is the release metadata reported by the probes.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// GatewayStates reports the circuit breaker state per payment provider. *payments.Manager satisfies it.
type GatewayStates interface {
	ProviderStates() map[string]string
}

type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Gateways is optional. An open breaker degrades readiness without failing it.
	Gateways GatewayStates
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	health   repositories.HealthRepository
	gateways GatewayStates
	now      func() time.Time
	build    BuildInfo
}

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &systemService{
		health:   deps.HealthRepository,
		gateways: deps.Gateways,
		now:      func() time.Time { return now().UTC() },
		build:    build,
	}, nil
}

// HealthReport merges dependency probes with gateway breaker state and stamps build metadata.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck)
	}
	s.addGatewayChecks(report.Checks, now)

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	report.Status = worstStatus(report.Status, report.Checks)
	return report, nil
}

func (s *systemService) addGatewayChecks(checks map[string]domain.SystemHealthCheck, now time.Time) {
	if s.gateways == nil {
		return
	}
	states := s.gateways.ProviderStates()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: states[name], CheckedAt: now}
		if states[name] == "open" {
			check.Status = domain.HealthStatusDegraded
			check.Error = "circuit open"
		}
		checks["gateway:"+name] = check
	}
}

// worstStatus keeps an explicit error from the repository and otherwise derives the status from the
// individual checks.
func worstStatus(reported string, checks map[string]domain.SystemHealthCheck) string {
	rank := map[string]int{domain.HealthStatusOK: 0, domain.HealthStatusDegraded: 1, domain.HealthStatusError: 2}
	worst := domain.HealthStatusOK
	if r, ok := rank[strings.TrimSpace(reported)]; ok && r > rank[worst] {
		worst = reported
	}
	for _, check := range checks {
		status := check.Status
		if status == "" {
			continue
		}
		if _, known := rank[status]; !known {
			status = domain.HealthStatusDegraded
		}
		if rank[status] > rank[worst] {
			worst = status
		}
	}
	return worst
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
