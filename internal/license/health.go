package license

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains the health of every license component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// LicenseHealthCheck reports on the license subsystem. An unlicensed
// installation is degraded, not unhealthy: the service still answers.
type LicenseHealthCheck struct {
	manager *Manager
	guard   *AttemptGuard
	timeout time.Duration
}

// NewLicenseHealthCheck creates a new health check. guard may be nil.
func NewLicenseHealthCheck(manager *Manager, guard *AttemptGuard) *LicenseHealthCheck {
	return &LicenseHealthCheck{manager: manager, guard: guard, timeout: 10 * time.Second}
}

// PerformHealthCheck runs every component check.
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "license.health_check")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		TraceID:    infrastructure.GetTraceID(ctx),
		Components: make(map[string]*ComponentHealth),
	}

	result.Components["license_state"] = hc.checkState(ctx)
	result.Components["license"] = hc.checkLicense(ctx)
	result.Components["fingerprint"] = hc.checkFingerprint(ctx)
	if hc.guard != nil {
		result.Components["attempt_guard"] = &ComponentHealth{
			Status:    HealthStatusHealthy,
			Message:   "Attempt guard running",
			Timestamp: time.Now(),
			Metadata:  hc.guard.GetStats(),
		}
	}

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Components)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", len(result.Components)),
	)
	return result
}

func (hc *LicenseHealthCheck) checkState(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{Timestamp: start, Metadata: map[string]interface{}{}}

	state, err := hc.manager.store.Load()
	health.Duration = time.Since(start).String()
	health.Metadata["path"] = hc.manager.store.Path()

	switch {
	case apperrors.IsKind(err, apperrors.KindDecryptionFailure):
		health.Status = HealthStatusDegraded
		health.Message = "License state file is damaged"
		health.Error = err.Error()
	case err != nil:
		health.Status = HealthStatusUnhealthy
		health.Message = "License state file cannot be read"
		health.Error = err.Error()
	case state == nil:
		health.Status = HealthStatusHealthy
		health.Message = "No license state stored"
	default:
		health.Status = HealthStatusHealthy
		health.Message = "License state readable"
		health.Metadata["expire_date"] = state.ExpireDate
		health.Metadata["last_verified_at"] = state.LastVerifiedAt
	}
	return health
}

func (hc *LicenseHealthCheck) checkLicense(ctx context.Context) *ComponentHealth {
	start := time.Now()
	d := hc.manager.CachedDecision(ctx)

	health := &ComponentHealth{
		Timestamp: start,
		Duration:  time.Since(start).String(),
		Message:   d.Message,
		Metadata: map[string]interface{}{
			"status":      d.Status,
			"time_source": d.TimeSource,
		},
	}
	if d.Valid {
		health.Status = HealthStatusHealthy
		health.Metadata["expire_date"] = d.ExpireDate
	} else {
		health.Status = HealthStatusDegraded
		if d.Kind != apperrors.KindNone {
			health.Error = string(d.Kind)
		}
	}
	return health
}

func (hc *LicenseHealthCheck) checkFingerprint(ctx context.Context) *ComponentHealth {
	start := time.Now()
	fp := hc.manager.Fingerprint()
	health := &ComponentHealth{
		Timestamp: start,
		Duration:  time.Since(start).String(),
	}
	if fp == "" {
		health.Status = HealthStatusUnhealthy
		health.Message = "Device fingerprint unavailable"
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Device fingerprint available"
	health.Metadata = map[string]interface{}{"fingerprint": fp.Short()}
	return health
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, components map[string]*ComponentHealth) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", len(components))
	case HealthStatusDegraded:
		return "License subsystem operational with degraded components"
	default:
		return "License subsystem unhealthy"
	}
}

// HTTPHandler serves the health check result as JSON.
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.PerformHealthCheck(r.Context())

		statusCode := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(result)
	}
}
