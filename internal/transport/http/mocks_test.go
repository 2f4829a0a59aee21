package http

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/middleware"
	"licensecore/internal/services"
	api "licensecore/pkg/contracts/api/v1"
)

type mockLicenseService struct {
	mock.Mock
}

func (m *mockLicenseService) GetStatus(ctx context.Context) *api.LicenseStatusResponse {
	return m.Called(ctx).Get(0).(*api.LicenseStatusResponse)
}

func (m *mockLicenseService) Activate(ctx context.Context, code string) (*api.LicenseStatusResponse, error) {
	args := m.Called(ctx, code)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.LicenseStatusResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLicenseService) GetInfo(ctx context.Context) *api.LicenseInfoResponse {
	return m.Called(ctx).Get(0).(*api.LicenseInfoResponse)
}

func (m *mockLicenseService) Deactivate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLicenseService) GetFingerprint(ctx context.Context) *api.FingerprintResponse {
	return m.Called(ctx).Get(0).(*api.FingerprintResponse)
}

func (m *mockLicenseService) IsActivated(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockLicenseService) GetValidationMetrics() services.ValidationMetrics {
	return m.Called().Get(0).(services.ValidationMetrics)
}

type mockActivationService struct {
	mock.Mock
	admin bool
}

func (m *mockActivationService) AdminEnabled() bool { return m.admin }

func (m *mockActivationService) Redeem(ctx context.Context, req api.RedeemRequest) (*api.RedeemResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.RedeemResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) ClientStatus(ctx context.Context) (*api.ClientActivationResponse, error) {
	args := m.Called(ctx)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ClientActivationResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) IssueCodes(ctx context.Context, req api.IssueCodesRequest) ([]api.ActivationCodeResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.([]api.ActivationCodeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) ListCodes(ctx context.Context, req api.ListCodesRequest) ([]api.ActivationCodeResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.([]api.ActivationCodeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) GetCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error) {
	args := m.Called(ctx, code)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ActivationCodeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) RevokeCode(ctx context.Context, code string) (*api.ActivationCodeResponse, error) {
	args := m.Called(ctx, code)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ActivationCodeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) ExtendCode(ctx context.Context, code string, days int) (*api.ActivationCodeResponse, error) {
	args := m.Called(ctx, code, days)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ActivationCodeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) Stats(ctx context.Context) (*api.LedgerStatsResponse, error) {
	args := m.Called(ctx)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.LedgerStatsResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockActivationService) ExportCodes(ctx context.Context, req api.ExportCodesRequest) (*api.ExportResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*api.ExportResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(identifier string) (bool, time.Duration) {
	args := m.Called(identifier)
	return args.Bool(0), args.Get(1).(time.Duration)
}

func (m *mockLimiter) RecordAttempt(ctx context.Context, identifier string, success bool) bool {
	return m.Called(ctx, identifier, success).Bool(0)
}

type mockHealthChecker struct {
	mock.Mock
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) services.HealthStatus {
	return m.Called(ctx).Get(0).(services.HealthStatus)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDeps() (*apperrors.ErrorHandler, *middleware.ValidationMiddleware) {
	logger := testLogger()
	errHandler := apperrors.NewErrorHandler(logger, false)
	return errHandler, middleware.NewValidationMiddleware(logger, errHandler)
}
