package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/license"
	api "licensecore/pkg/contracts/api/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	t.Run("generates id", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = middleware.GetReqID(r.Context())
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("keeps client id", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-123")
		h.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, "req-123", seen)
	})
}

func TestRecoverer(t *testing.T) {
	h := RequestID(Recoverer(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var p Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, "/errors/internal-server-error", p.Type)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), p.Trace)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, testLogger())
	h := rl.Handler(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestTimeout(t *testing.T) {
	t.Run("slow handler", func(t *testing.T) {
		h := Timeout(10*time.Millisecond, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("fast handler", func(t *testing.T) {
		h := Timeout(time.Second, testLogger())(okHandler)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"http://localhost:8089"}})(okHandler)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"allowed origin", "http://localhost:8089", "http://localhost:8089"},
		{"foreign origin", "http://evil.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/activation/codes", nil)
		req.Header.Set("Origin", "http://localhost:8089")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", AdminTokenHeader)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), AdminTokenHeader)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestAdminAuth(t *testing.T) {
	h := AdminAuth(testLogger(), "s3cret")(okHandler)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"admin header", AdminTokenHeader, "s3cret", http.StatusOK},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"wrong token", AdminTokenHeader, "guess", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic s3cret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/activation/codes", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("empty configured token rejects", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(AdminTokenHeader, "anything")
		rec := httptest.NewRecorder()
		AdminAuth(testLogger(), "")(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

type staticDecision license.Decision

func (s staticDecision) CachedDecision(context.Context) license.Decision {
	return license.Decision(s)
}

func TestLicenseValidator(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		decision license.Decision
		want     int
	}{
		{"excluded license route", "/api/license/status", license.Decision{}, http.StatusOK},
		{"excluded health route", "/api/health", license.Decision{}, http.StatusOK},
		{"valid license", "/api/entitlement", license.Decision{Valid: true, Status: license.StatusLicensed}, http.StatusOK},
		{"never activated", "/api/entitlement", license.Decision{Status: license.StatusUnlicensed}, http.StatusPreconditionRequired},
		{"expired", "/api/entitlement", license.Decision{Status: license.StatusRejected, Kind: apierrors.KindExpired}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lv := NewLicenseValidator(staticDecision(tt.decision), testLogger())
			rec := httptest.NewRecorder()
			lv.Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("rejection carries kind", func(t *testing.T) {
		d := license.Decision{Status: license.StatusRejected, Kind: apierrors.KindDeviceMismatch}
		rec := httptest.NewRecorder()
		NewLicenseValidator(staticDecision(d), testLogger()).Handler(okHandler).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/entitlement", nil))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "device_mismatch", body["error_kind"])
		assert.Equal(t, "rejected", body["license_status"])
	})
}

func TestValidateStruct(t *testing.T) {
	m := NewValidationMiddleware(testLogger(), apierrors.NewErrorHandler(testLogger(), false))

	tests := []struct {
		name  string
		input interface{}
		field string
	}{
		{"valid redeem", api.RedeemRequest{Code: "abcd-efgh-jklm-npqr"}, ""},
		{"compact code", api.RedeemRequest{Code: "ABCDEFGHJKLMNPQR"}, ""},
		{"missing code", api.RedeemRequest{}, "code"},
		{"invalid character", api.RedeemRequest{Code: "ABCD-EFGH-IJKL-MN_P"}, "code"},
		{"short device", api.RedeemRequest{Code: "ABCDEFGHJKLMNPQR", DeviceID: "short"}, "device_id"},
		{"bad status", api.ListCodesRequest{Status: "paused"}, "status"},
		{"zero extension", api.ExtendCodeRequest{}, "days"},
		{"too many codes", api.IssueCodesRequest{Count: 5000}, "count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateStruct(tt.input)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var apiErr *apierrors.APIError
			require.ErrorAs(t, err, &apiErr)
			details, ok := apiErr.Details.(apierrors.ValidationErrors)
			require.True(t, ok)
			require.NotEmpty(t, details.Errors)
			assert.Equal(t, tt.field, details.Errors[0].Field)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	m := NewValidationMiddleware(testLogger(), apierrors.NewErrorHandler(testLogger(), false))
	h := m.ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid json is passed through", `{"code":"ABCD"}`, http.StatusOK},
		{"invalid json", `{"code":`, http.StatusBadRequest},
		{"oversized", `{"code":"` + strings.Repeat("A", 70*1024) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/activation/redeem", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestContentTypeValidator(t *testing.T) {
	h := ContentTypeValidator("application/json")(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
