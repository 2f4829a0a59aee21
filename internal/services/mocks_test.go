package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"licensecore/internal/activation"
	"licensecore/internal/license"
	"licensecore/internal/security"
)

type mockLicenseManager struct {
	mock.Mock
}

func (m *mockLicenseManager) VerifyLicense(ctx context.Context, code string) license.Decision {
	return m.Called(ctx, code).Get(0).(license.Decision)
}

func (m *mockLicenseManager) CachedDecision(ctx context.Context) license.Decision {
	return m.Called(ctx).Get(0).(license.Decision)
}

func (m *mockLicenseManager) GetActivationInfo(ctx context.Context) license.ActivationInfo {
	return m.Called(ctx).Get(0).(license.ActivationInfo)
}

func (m *mockLicenseManager) Entitlement(ctx context.Context) license.Entitlement {
	return m.Called(ctx).Get(0).(license.Entitlement)
}

func (m *mockLicenseManager) Deactivate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLicenseManager) DaysLeft(d license.Decision) int {
	return m.Called(d).Int(0)
}

func (m *mockLicenseManager) Fingerprint() security.DeviceFingerprint {
	return m.Called().Get(0).(security.DeviceFingerprint)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) IssueBatch(ctx context.Context, n, days, maxUses int) ([]activation.Code, error) {
	args := m.Called(ctx, n, days, maxUses)
	codes, _ := args.Get(0).([]activation.Code)
	return codes, args.Error(1)
}

func (m *mockLedger) RedeemDetailed(ctx context.Context, code, device string) (*activation.Redemption, error) {
	args := m.Called(ctx, code, device)
	res, _ := args.Get(0).(*activation.Redemption)
	return res, args.Error(1)
}

func (m *mockLedger) Revoke(ctx context.Context, code string) error {
	return m.Called(ctx, code).Error(0)
}

func (m *mockLedger) Extend(ctx context.Context, code string, days int) (activation.Code, error) {
	args := m.Called(ctx, code, days)
	return args.Get(0).(activation.Code), args.Error(1)
}

func (m *mockLedger) Get(ctx context.Context, code string) (activation.Code, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(activation.Code), args.Error(1)
}

func (m *mockLedger) List(ctx context.Context) ([]activation.Code, error) {
	args := m.Called(ctx)
	codes, _ := args.Get(0).([]activation.Code)
	return codes, args.Error(1)
}

func (m *mockLedger) Stats(ctx context.Context) (activation.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(activation.Stats), args.Error(1)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Activate(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockClient) Check(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockClient) Record() (*activation.ClientRecord, error) {
	args := m.Called()
	rec, _ := args.Get(0).(*activation.ClientRecord)
	return rec, args.Error(1)
}
