package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"licensecore/internal/services"
	"licensecore/pkg/contracts"
)

// HealthChecker is implemented by *services.HealthService.
type HealthChecker interface {
	HealthCheck(ctx context.Context) services.HealthStatus
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	service HealthChecker
	license http.Handler
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. licenseCheck serves the
// detailed license report and may be nil.
func NewHealthHandler(service HealthChecker, licenseCheck http.Handler, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		license: licenseCheck,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. An unhealthy service answers 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.HealthCheck(r.Context())
	if status.Status == services.HealthUnhealthy {
		h.logger.WarnContext(r.Context(), "health check failed",
			slog.String("trace_id", traceID(r)))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}

// LicenseHealth handles GET /api/health/license
func (h *HealthHandler) LicenseHealth(w http.ResponseWriter, r *http.Request) {
	if h.license == nil {
		http.NotFound(w, r)
		return
	}
	h.license.ServeHTTP(w, r)
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
