package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/internal/license"
	"licensecore/internal/security"
	api "licensecore/pkg/contracts/api/v1"
)

// LicenseManager is the part of *license.Manager the service needs.
type LicenseManager interface {
	VerifyLicense(ctx context.Context, code string) license.Decision
	CachedDecision(ctx context.Context) license.Decision
	GetActivationInfo(ctx context.Context) license.ActivationInfo
	Entitlement(ctx context.Context) license.Entitlement
	Deactivate(ctx context.Context) error
	DaysLeft(d license.Decision) int
	Fingerprint() security.DeviceFingerprint
}

// SourceReporter is implemented by fingerprint providers that can tell which
// identifiers contributed.
type SourceReporter interface {
	Sources() []string
}

// LicenseService provides business logic for license operations
type LicenseService interface {
	GetStatus(ctx context.Context) *api.LicenseStatusResponse
	Activate(ctx context.Context, code string) (*api.LicenseStatusResponse, error)
	GetInfo(ctx context.Context) *api.LicenseInfoResponse
	Deactivate(ctx context.Context) error
	GetFingerprint(ctx context.Context) *api.FingerprintResponse
	IsActivated(ctx context.Context) bool
	GetValidationMetrics() ValidationMetrics
}

// ValidationMetrics counts service calls since start.
type ValidationMetrics struct {
	Activations int64     `json:"activations"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	StartedAt   time.Time `json:"started_at"`
}

type licenseService struct {
	manager LicenseManager
	sources SourceReporter
	logger  *slog.Logger

	startTime   time.Time
	activations atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
}

// NewLicenseService creates a new license service. sources may be nil.
func NewLicenseService(manager LicenseManager, sources SourceReporter, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager:   manager,
		sources:   sources,
		logger:    logger.With(slog.String("service", "license")),
		startTime: time.Now(),
	}
}

// GetStatus returns the verifier's current view, served from the decision
// cache when it is fresh.
func (s *licenseService) GetStatus(ctx context.Context) *api.LicenseStatusResponse {
	traceID := requestTraceID(ctx)
	d := s.manager.CachedDecision(ctx)

	s.logger.DebugContext(ctx, "license status checked",
		slog.String("trace_id", traceID),
		slog.String("operation", "get_status"),
		slog.String("status", string(d.Status)),
		slog.Bool("valid", d.Valid))

	return s.toStatus(d, traceID)
}

// Activate verifies code and persists it on success. A rejected credential
// is returned as an error carrying its kind, together with the status.
func (s *licenseService) Activate(ctx context.Context, code string) (*api.LicenseStatusResponse, error) {
	start := time.Now()
	traceID := requestTraceID(ctx)
	code = strings.TrimSpace(code)
	s.activations.Add(1)

	s.logger.InfoContext(ctx, "license activation started",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("license_code", infrastructure.MaskSecret(code)))

	if code == "" {
		s.failures.Add(1)
		return nil, apperrors.NewKindError(apperrors.KindInvalidFormat, "license code is empty", nil)
	}

	d := s.manager.VerifyLicense(ctx, code)
	resp := s.toStatus(d, traceID)
	if !d.Valid {
		s.failures.Add(1)
		s.logger.WarnContext(ctx, "license activation rejected",
			slog.String("trace_id", traceID),
			slog.String("operation", "activate"),
			slog.String("kind", string(d.Kind)),
			slog.Duration("latency", time.Since(start)))

		kind := d.Kind
		if kind == apperrors.KindNone {
			kind = apperrors.KindInvalidFormat
		}
		return resp, apperrors.NewKindError(kind, d.Message, d.Err)
	}

	s.successes.Add(1)
	s.logger.InfoContext(ctx, "license activation succeeded",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("expire_date", d.ExpireDate),
		slog.Duration("latency", time.Since(start)))
	return resp, nil
}

// GetInfo re-verifies the persisted license and adds the entitlement.
func (s *licenseService) GetInfo(ctx context.Context) *api.LicenseInfoResponse {
	info := s.manager.GetActivationInfo(ctx)
	resp := &api.LicenseInfoResponse{
		Activated:  info.Activated,
		ExpireDate: info.ExpireDate,
		DaysLeft:   info.DaysLeft,
		Message:    info.Message,
	}
	if info.Activated {
		ent := s.manager.Entitlement(ctx)
		resp.EntitlementToken = ent.Token
		resp.Factor = ent.Factor
	}
	return resp
}

// Deactivate removes the persisted license.
func (s *licenseService) Deactivate(ctx context.Context) error {
	if err := s.manager.Deactivate(ctx); err != nil {
		return fmt.Errorf("deactivate license: %w", err)
	}
	s.logger.InfoContext(ctx, "license deactivated",
		slog.String("trace_id", requestTraceID(ctx)),
		slog.String("operation", "deactivate"))
	return nil
}

// GetFingerprint reports the device fingerprint an operator sends to the
// issuer.
func (s *licenseService) GetFingerprint(ctx context.Context) *api.FingerprintResponse {
	fp := s.manager.Fingerprint()
	resp := &api.FingerprintResponse{
		Fingerprint: fp.String(),
		Compact:     fp.Compact(),
	}
	if s.sources != nil {
		resp.Sources = s.sources.Sources()
	}
	return resp
}

// IsActivated re-verifies the persisted license.
func (s *licenseService) IsActivated(ctx context.Context) bool {
	return s.manager.CachedDecision(ctx).Valid
}

// GetValidationMetrics returns the activation counters.
func (s *licenseService) GetValidationMetrics() ValidationMetrics {
	return ValidationMetrics{
		Activations: s.activations.Load(),
		Successes:   s.successes.Load(),
		Failures:    s.failures.Load(),
		StartedAt:   s.startTime,
	}
}

func (s *licenseService) toStatus(d license.Decision, traceID string) *api.LicenseStatusResponse {
	return &api.LicenseStatusResponse{
		Valid:         d.Valid,
		LicenseStatus: string(d.Status),
		Kind:          string(d.Kind),
		Message:       d.Message,
		ExpireDate:    d.ExpireDate,
		DaysLeft:      s.manager.DaysLeft(d),
		TimeSource:    d.TimeSource,
		CheckedAt:     d.CheckedAt,
		TraceID:       traceID,
	}
}

func requestTraceID(ctx context.Context) string {
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	return middleware.GetReqID(ctx)
}
