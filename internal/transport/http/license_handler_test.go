package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/services"
	api "licensecore/pkg/contracts/api/v1"
)

const testCredential = "ZmluZ2VycHJpbnR8MjAzMC0wMS0wMXxwcm9kdWN0fHNpZw=="

func newLicenseRouter(t *testing.T, svc *mockLicenseService, guard AttemptLimiter) http.Handler {
	t.Helper()
	errHandler, validator := testDeps()
	h := NewLicenseHandler(svc, guard, errHandler, validator, testLogger())
	return h.Routes()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLicenseHandler_GetStatus(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("GetStatus", mock.Anything).Return(&api.LicenseStatusResponse{
		Valid:         true,
		LicenseStatus: "licensed",
		ExpireDate:    "2030-01-01",
		DaysLeft:      42,
	})

	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "licensed", body["license_status"])
	assert.Equal(t, float64(42), body["days_left"])
	svc.AssertExpectations(t)
}

func TestLicenseHandler_Activate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantKind   string
		callsSvc   bool
	}{
		{
			name:       "success",
			body:       `{"license_code":"` + testCredential + `"}`,
			wantStatus: http.StatusOK,
			callsSvc:   true,
		},
		{
			name:       "malformed json",
			body:       `{"license_code":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing code",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "device mismatch",
			body:       `{"license_code":"` + testCredential + `"}`,
			serviceErr: apperrors.NewKindError(apperrors.KindDeviceMismatch, "fingerprint differs", nil),
			wantStatus: http.StatusForbidden,
			wantKind:   "device_mismatch",
			callsSvc:   true,
		},
		{
			name:       "expired",
			body:       `{"license_code":"` + testCredential + `"}`,
			serviceErr: apperrors.NewKindError(apperrors.KindExpired, "expired", nil),
			wantStatus: http.StatusForbidden,
			wantKind:   "expired",
			callsSvc:   true,
		},
		{
			name:       "invalid format",
			body:       `{"license_code":"` + testCredential + `"}`,
			serviceErr: apperrors.NewKindError(apperrors.KindInvalidFormat, "bad credential", nil),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_format",
			callsSvc:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockLicenseService)
			if tt.callsSvc {
				if tt.serviceErr != nil {
					svc.On("Activate", mock.Anything, testCredential).Return(nil, tt.serviceErr)
				} else {
					svc.On("Activate", mock.Anything, testCredential).Return(&api.LicenseStatusResponse{
						Valid:         true,
						LicenseStatus: "licensed",
						ExpireDate:    "2030-01-01",
					}, nil)
				}
			}

			req := httptest.NewRequest(http.MethodPost, "/activate", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			newLicenseRouter(t, svc, nil).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantKind != "" {
				body := decodeBody(t, rec)
				assert.Equal(t, tt.wantKind, body["error_kind"])
				assert.Contains(t, rec.Header().Get("Content-Type"), "json")
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_ActivateRecordsAttempts(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("Activate", mock.Anything, testCredential).
		Return(nil, apperrors.NewKindError(apperrors.KindSignatureInvalid, "bad signature", nil))

	guard := new(mockLimiter)
	guard.On("Allow", "192.0.2.1").Return(true, time.Duration(0))
	guard.On("RecordAttempt", mock.Anything, "192.0.2.1", false).Return(false)

	req := httptest.NewRequest(http.MethodPost, "/activate",
		strings.NewReader(`{"license_code":"`+testCredential+`"}`))
	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, guard).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	guard.AssertExpectations(t)
}

func TestLicenseHandler_ActivateThrottled(t *testing.T) {
	svc := new(mockLicenseService)
	guard := new(mockLimiter)
	guard.On("Allow", "192.0.2.1").Return(false, 90*time.Second+200*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/activate",
		strings.NewReader(`{"license_code":"`+testCredential+`"}`))
	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, guard).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, apperrors.TypeRateLimit, body["type"])
	assert.Equal(t, float64(91), body["retry_after_seconds"])
	svc.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
}

func TestLicenseHandler_GetInfo(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("GetInfo", mock.Anything).Return(&api.LicenseInfoResponse{
		Activated:        true,
		ExpireDate:       "2030-01-01",
		DaysLeft:         10,
		EntitlementToken: "abc123",
		Factor:           37,
	})

	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["activated"])
	assert.Equal(t, float64(37), body["factor"])
}

func TestLicenseHandler_GetFingerprint(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("GetFingerprint", mock.Anything).Return(&api.FingerprintResponse{
		Fingerprint: "0123-4567-89AB-CDEF-0123-4567-89AB-CDEF",
		Compact:     "0123456789ABCDEF0123456789ABCDEF",
		Sources:     []string{"machine_id"},
	})

	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fingerprint", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF", body["compact"])
}

func TestLicenseHandler_GetMetrics(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("GetValidationMetrics").Return(services.ValidationMetrics{Activations: 3, Successes: 2, Failures: 1})

	rec := httptest.NewRecorder()
	newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["activations"])
	assert.Equal(t, float64(1), body["failures"])
}

func TestLicenseHandler_Deactivate(t *testing.T) {
	t.Run("removes license", func(t *testing.T) {
		svc := new(mockLicenseService)
		svc.On("Deactivate", mock.Anything).Return(nil)

		rec := httptest.NewRecorder()
		newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		svc.AssertExpectations(t)
	})

	t.Run("storage failure", func(t *testing.T) {
		svc := new(mockLicenseService)
		svc.On("Deactivate", mock.Anything).Return(errors.New("permission denied"))

		rec := httptest.NewRecorder()
		newLicenseRouter(t, svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestLicenseHandler_Entitlement(t *testing.T) {
	svc := new(mockLicenseService)
	svc.On("GetInfo", mock.Anything).Return(&api.LicenseInfoResponse{
		Activated:        true,
		EntitlementToken: "deadbeef",
		Factor:           12,
	})
	errHandler, validator := testDeps()
	h := NewLicenseHandler(svc, nil, errHandler, validator, testLogger())

	rec := httptest.NewRecorder()
	h.Entitlement(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "deadbeef", body["token"])
	assert.Equal(t, float64(12), body["factor"])
}
