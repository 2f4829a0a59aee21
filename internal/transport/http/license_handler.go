package http

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/middleware"
	"licensecore/internal/services"
	api "licensecore/pkg/contracts/api/v1"
)

// AttemptLimiter throttles failed activation attempts per client.
// *license.AttemptGuard implements it.
type AttemptLimiter interface {
	Allow(identifier string) (bool, time.Duration)
	RecordAttempt(ctx context.Context, identifier string, success bool) bool
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service services.LicenseService
	guard   AttemptLimiter
	respond responder
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler. guard may be nil.
func NewLicenseHandler(service services.LicenseService, guard AttemptLimiter, errHandler *apperrors.ErrorHandler, validator Validator, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		guard:   guard,
		respond: responder{errors: errHandler, validator: validator},
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Get("/info", h.GetInfo)
	r.Get("/fingerprint", h.GetFingerprint)
	r.Get("/metrics", h.GetMetrics)
	r.Delete("/", h.Deactivate)
	return r
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.get_status")
	defer span.End()

	resp := h.service.GetStatus(ctx)
	span.SetAttributes(
		attribute.String("license.status", resp.LicenseStatus),
		attribute.Int("license.days_left", resp.DaysLeft),
	)
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate. Rejections are answered with
// the problem document of their kind; repeated failures from one client are
// throttled.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(attribute.String("http.route", "/api/license/activate")))
	defer span.End()
	r = r.WithContext(ctx)

	client := middleware.ClientIP(r)
	if !allowAttempt(w, r, h.guard, client) {
		span.SetAttributes(attribute.Bool("license.throttled", true))
		return
	}

	var req api.LicenseActivateRequest
	if !h.respond.decode(w, r, &req) {
		return
	}

	resp, err := h.service.Activate(ctx, req.LicenseCode)
	if h.guard != nil {
		h.guard.RecordAttempt(ctx, client, err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.kind", string(apperrors.KindOf(err))))
		h.respond.fail(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license activated over http",
		slog.String("trace_id", traceID(r)),
		slog.String("expire_date", resp.ExpireDate),
		slog.String("remote_addr", client))
	render.JSON(w, r, resp)
}

// GetInfo handles GET /api/license/info
func (h *LicenseHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.GetInfo(r.Context()))
}

// GetFingerprint handles GET /api/license/fingerprint
func (h *LicenseHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.GetFingerprint(r.Context()))
}

// GetMetrics handles GET /api/license/metrics
func (h *LicenseHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.GetValidationMetrics())
}

// Deactivate handles DELETE /api/license
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Deactivate(r.Context()); err != nil {
		h.respond.fail(w, r, fmt.Errorf("deactivate license: %w", err))
		return
	}
	render.NoContent(w, r)
}

// Entitlement handles GET /api/entitlement. It is mounted behind the license
// validator, so it only answers licensed installations.
func (h *LicenseHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	info := h.service.GetInfo(r.Context())
	render.JSON(w, r, map[string]interface{}{
		"token":  info.EntitlementToken,
		"factor": info.Factor,
	})
}

// allowAttempt consults guard for client and answers 429 when it is blocked.
func allowAttempt(w http.ResponseWriter, r *http.Request, guard AttemptLimiter, client string) bool {
	if guard == nil {
		return true
	}
	ok, wait := guard.Allow(client)
	if ok {
		return true
	}

	retry := int(math.Ceil(wait.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	problem := apperrors.NewProblemDetails(
		http.StatusTooManyRequests,
		apperrors.TypeRateLimit,
		"Too Many Attempts",
		"Too many failed attempts. Please wait before trying again.",
		r.URL.Path,
	).WithExtension("trace_id", traceID(r)).
		WithExtension("retry_after_seconds", retry)
	render.Render(w, r, problem)
	return false
}
