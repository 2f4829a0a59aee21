package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"licensecore/internal/license"
)

// Health states reported by HealthService.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// LicenseChecker is implemented by *license.LicenseHealthCheck.
type LicenseChecker interface {
	PerformHealthCheck(ctx context.Context) *license.HealthCheckResult
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	license   LicenseChecker
	ledger    Ledger
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// NewHealthService creates a health service. Either checker may be nil.
func NewHealthService(version string, licenseCheck LicenseChecker, ledger Ledger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		license:   licenseCheck,
		ledger:    ledger,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck returns the aggregated component health.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    HealthOK,
		Timestamp: time.Now(),
		Version:   hs.version,
		Uptime:    time.Since(hs.startTime).Round(time.Second).String(),
		Services:  make(map[string]ServiceHealth),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
		},
	}

	if hs.license != nil {
		result := hs.license.PerformHealthCheck(ctx)
		status.Services["license"] = ServiceHealth{
			Status:  licenseHealth(result.OverallStatus),
			Message: result.Message,
			Details: result.Components,
		}
	}
	if hs.ledger != nil {
		status.Services["ledger"] = hs.checkLedger(ctx)
	}

	for _, svc := range status.Services {
		switch svc.Status {
		case HealthUnhealthy:
			status.Status = HealthUnhealthy
		case HealthDegraded:
			if status.Status == HealthOK {
				status.Status = HealthDegraded
			}
		}
	}

	hs.logger.DebugContext(ctx, "health check completed",
		slog.String("status", status.Status),
		slog.Int("services", len(status.Services)))
	return status
}

func (hs *HealthService) checkLedger(ctx context.Context) ServiceHealth {
	st, err := hs.ledger.Stats(ctx)
	if err != nil {
		return ServiceHealth{Status: HealthUnhealthy, Message: fmt.Sprintf("ledger unreadable: %v", err)}
	}
	if st.Damaged > 0 {
		return ServiceHealth{
			Status:  HealthDegraded,
			Message: fmt.Sprintf("%d ledger entries cannot be decrypted", st.Damaged),
			Details: st,
		}
	}
	return ServiceHealth{Status: HealthOK, Message: "ledger readable", Details: st}
}

func licenseHealth(s license.HealthStatus) string {
	switch s {
	case license.HealthStatusHealthy:
		return HealthOK
	case license.HealthStatusDegraded:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
