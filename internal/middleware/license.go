package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/license"
)

// DecisionSource yields the current license decision. *license.Manager
// implements it with a cached verification.
type DecisionSource interface {
	CachedDecision(ctx context.Context) license.Decision
}

// LicenseValidator rejects requests unless the installation holds a valid
// license. Excluded paths pass through untouched.
type LicenseValidator struct {
	source          DecisionSource
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseValidator creates the guard. The license and health endpoints
// are always excluded so an unlicensed installation can still activate.
func NewLicenseValidator(source DecisionSource, logger *slog.Logger) *LicenseValidator {
	lv := &LicenseValidator{
		source:       source,
		logger:       logger.With(slog.String("component", "license_middleware")),
		excludePaths: map[string]struct{}{"/metrics": {}},
		excludePrefixes: []string{
			"/api/license",
			"/api/health",
			"/api/version",
		},
	}
	return lv
}

// AddExcludePrefix adds a path prefix to be excluded from license validation
func (lv *LicenseValidator) AddExcludePrefix(prefix string) {
	lv.excludePrefixes = append(lv.excludePrefixes, prefix)
}

// Handler returns the middleware handler function.
func (lv *LicenseValidator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lv.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer("license-middleware").Start(r.Context(), "license_middleware.validate",
			trace.WithAttributes(attribute.String("http.route", r.URL.Path)))
		defer span.End()

		d := lv.source.CachedDecision(ctx)
		span.SetAttributes(
			attribute.Bool("license.valid", d.Valid),
			attribute.String("license.status", string(d.Status)),
		)
		if d.Valid {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		traceID := GetRequestID(ctx)
		lv.logger.WarnContext(ctx, "request refused without valid license",
			slog.String("trace_id", traceID),
			slog.String("path", r.URL.Path),
			slog.String("status", string(d.Status)),
			slog.String("kind", string(d.Kind)))

		render.Render(w, r, licenseProblem(d, r.URL.Path, traceID))
	})
}

func (lv *LicenseValidator) excluded(path string) bool {
	if _, ok := lv.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range lv.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func licenseProblem(d license.Decision, instance, traceID string) *apperrors.ProblemDetails {
	if d.Kind != apperrors.KindNone {
		return apperrors.NewKindProblem(d.Kind, instance, traceID).
			WithExtension("license_status", string(d.Status))
	}
	return apperrors.NewProblemDetails(
		http.StatusPreconditionRequired,
		"/errors/license/not-activated",
		"License Not Activated",
		apperrors.UserMessage(apperrors.KindNone),
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("license_status", string(d.Status))
}
