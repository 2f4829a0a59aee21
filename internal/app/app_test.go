package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/config"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/instance"
	customMiddleware "licensecore/internal/middleware"
	"licensecore/internal/security"
	"licensecore/internal/shared/testutil"
	"licensecore/internal/timesource"
)

const (
	testAdminToken = testutil.AdminToken
	testDevice     = testutil.DeviceA
)

func discardLogger() *slog.Logger {
	return testutil.DiscardLogger()
}

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	return testutil.Config(t)
}

func newTestApp(t *testing.T, cfg *config.Config, dir string, opts ...Option) *Application {
	t.Helper()
	opts = append([]Option{
		WithBaseDir(dir),
		WithLogger(discardLogger()),
		WithFingerprint(security.StaticFingerprint(testDevice)),
		WithClock(timesource.NewFixed(time.Now(), true)),
	}, opts...)

	application, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	return application
}

func issueCredential(t *testing.T, days int) string {
	t.Helper()
	return testutil.IssueDays(t, testDevice, days)
}

func doJSON(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.Contains(rec.Header().Get("Content-Type"), "json") && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestNewApplication(t *testing.T) {
	cfg, dir := testConfig(t)
	application := newTestApp(t, cfg, dir)

	assert.NotNil(t, application.Router)
	assert.NotNil(t, application.Server)
	require.NotNil(t, application.Services)
	assert.NotNil(t, application.Services.License)
	assert.NotNil(t, application.Services.Ledger)
	assert.NotNil(t, application.Services.Guard)

	assert.Equal(t, filepath.Join(dir, "data"), application.Paths.DataDir)
	assert.DirExists(t, application.Paths.DataDir)
	assert.FileExists(t, application.Paths.LockFile)
	assert.FileExists(t, application.Paths.AuditDB)
	assert.Equal(t, "127.0.0.1:8089", application.Server.Addr)
}

func TestNewApplication_ConfigurationMissing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{
			name:   "no master secret",
			mutate: func(cfg *config.Config) { cfg.License.MasterSecret = "" },
		},
		{
			name:   "unreadable public key",
			mutate: func(cfg *config.Config) { cfg.License.PublicKeyFile = "/nonexistent/public_key.pem" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, dir := testConfig(t)
			tt.mutate(cfg)

			_, err := New(cfg, WithBaseDir(dir), WithLogger(discardLogger()))
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindConfigurationMissing), "got %v", err)
			assert.True(t, apperrors.KindOf(err).Fatal())
		})
	}
}

func TestNewApplication_SingleInstance(t *testing.T) {
	cfg, dir := testConfig(t)
	first := newTestApp(t, cfg, dir)

	_, err := New(cfg,
		WithBaseDir(dir),
		WithLogger(discardLogger()),
		WithFingerprint(security.StaticFingerprint(testDevice)))
	require.Error(t, err)
	assert.ErrorIs(t, err, instance.ErrAlreadyRunning)

	require.NoError(t, first.Stop(context.Background()))

	second, err := New(cfg,
		WithBaseDir(dir),
		WithLogger(discardLogger()),
		WithFingerprint(security.StaticFingerprint(testDevice)),
		WithClock(timesource.LocalClock{}))
	require.NoError(t, err)
	require.NoError(t, second.Stop(context.Background()))
}

func TestApplication_LicenseFlow(t *testing.T) {
	cfg, dir := testConfig(t)
	h := newTestApp(t, cfg, dir).Router

	rec, body := doJSON(t, h, http.MethodGet, "/api/license/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unlicensed", body["license_status"])

	rec, body = doJSON(t, h, http.MethodGet, "/api/entitlement", "", nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Equal(t, "unlicensed", body["license_status"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/license/activate",
		`{"license_code":"`+issueCredential(t, 30)+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "licensed", body["license_status"])

	rec, body = doJSON(t, h, http.MethodGet, "/api/entitlement", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["token"])
	factor, ok := body["factor"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, factor, float64(1))
	assert.LessOrEqual(t, factor, float64(100))

	rec, body = doJSON(t, h, http.MethodGet, "/api/license/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["activated"])

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/license", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestApplication_ActivateRejections(t *testing.T) {
	cfg, dir := testConfig(t)
	h := newTestApp(t, cfg, dir).Router

	wrongDevice := testutil.IssueDays(t, testutil.DeviceB, 30)

	tests := []struct {
		name       string
		code       string
		wantStatus int
		wantKind   string
	}{
		{name: "garbage", code: strings.Repeat("!", 32), wantStatus: http.StatusBadRequest, wantKind: "invalid_format"},
		{name: "other device", code: wrongDevice, wantStatus: http.StatusForbidden, wantKind: "device_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, h, http.MethodPost, "/api/license/activate",
				`{"license_code":"`+tt.code+`"}`, nil)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, body["error_kind"])
			assert.Contains(t, rec.Header().Get("Content-Type"), "json")
		})
	}
}

func TestApplication_ActivationFlow(t *testing.T) {
	cfg, dir := testConfig(t)
	h := newTestApp(t, cfg, dir).Router
	admin := map[string]string{customMiddleware.AdminTokenHeader: testAdminToken}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/activation/codes", `{"count":1,"validity_days":30,"max_uses":1}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/activation/codes",
		strings.NewReader(`{"count":1,"validity_days":30,"max_uses":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(customMiddleware.AdminTokenHeader, testAdminToken)
	issued := httptest.NewRecorder()
	h.ServeHTTP(issued, req)
	require.Equal(t, http.StatusCreated, issued.Code, issued.Body.String())

	var codes []map[string]interface{}
	require.NoError(t, json.Unmarshal(issued.Body.Bytes(), &codes))
	require.Len(t, codes, 1)
	code := codes[0]["code"].(string)

	rec, body := doJSON(t, h, http.MethodPost, "/api/activation/redeem",
		`{"code":"`+code+`","device_id":"AAAA-BBBB-CCCC-DDDD-AAAA-BBBB-CCCC-DDDD"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/activation/redeem",
		`{"code":"`+code+`","device_id":"1111-2222-3333-4444-5555-6666-7777-8888"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "quota_exceeded", body["error_kind"])

	rec, body = doJSON(t, h, http.MethodGet, "/api/activation/stats", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["used"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/activation/codes/"+code+"/revoke", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "revoked", body["status"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/activation/export", `{"format":"csv","file_name":"codes.csv"}`, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["rows"])
	assert.FileExists(t, body["path"].(string))
}

func TestApplication_AdminDisabled(t *testing.T) {
	cfg, dir := testConfig(t)
	cfg.Activation.AdminAPIEnabled = false
	cfg.Activation.AdminToken = ""
	h := newTestApp(t, cfg, dir).Router

	rec, _ := doJSON(t, h, http.MethodGet, "/api/activation/stats", "",
		map[string]string{customMiddleware.AdminTokenHeader: testAdminToken})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplication_Endpoints(t *testing.T) {
	cfg, dir := testConfig(t)
	h := newTestApp(t, cfg, dir).Router

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		contains   string
	}{
		{name: "health", method: http.MethodGet, target: "/api/health", wantStatus: http.StatusOK, contains: `"status"`},
		{name: "license health", method: http.MethodGet, target: "/api/health/license", contains: `"components"`},
		{name: "version", method: http.MethodGet, target: "/api/version", wantStatus: http.StatusOK, contains: `"version"`},
		{name: "fingerprint", method: http.MethodGet, target: "/api/license/fingerprint", wantStatus: http.StatusOK, contains: testDevice.Compact()},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantStatus: http.StatusOK, contains: "go_goroutines"},
		{name: "unknown license route", method: http.MethodGet, target: "/api/license/nope", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPut, target: "/api/license/status", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))

			if tt.wantStatus != 0 {
				assert.Equal(t, tt.wantStatus, rec.Code)
			}
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestApplication_InvalidJSONBody(t *testing.T) {
	cfg, dir := testConfig(t)
	h := newTestApp(t, cfg, dir).Router

	rec, body := doJSON(t, h, http.MethodPost, "/api/activation/redeem", `{"code":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", body["error_code"])
}

func TestApplication_CORS(t *testing.T) {
	cfg, dir := testConfig(t)
	cfg.Security.AllowedOrigins = []string{"http://ui.example"}
	h := newTestApp(t, cfg, dir).Router

	req := httptest.NewRequest(http.MethodOptions, "/api/license/status", nil)
	req.Header.Set("Origin", "http://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "http://ui.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestApplication_StartServeStop(t *testing.T) {
	cfg, dir := testConfig(t)
	cfg.Server.Port = freePort(t)
	application := newTestApp(t, cfg, dir)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))

	served := make(chan error, 1)
	go func() { served <- application.Serve() }()

	resp, err := http.Get("http://" + application.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, application.Stop(ctx))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.NoError(t, application.Stop(ctx), "second stop is a no-op")
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	cfg, dir := testConfig(t)
	cfg.Server.Port = freePort(t)
	application := newTestApp(t, cfg, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/version", cfg.Server.Port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLedgerCodec(t *testing.T) {
	cfg, _ := testConfig(t)

	codec, err := LedgerCodec(cfg)
	require.NoError(t, err)
	_, isFallback := codec.(*security.FallbackCodec)
	assert.False(t, isFallback)

	cfg.Activation.LegacyKey = strings.Repeat("k", 32)
	codec, err = LedgerCodec(cfg)
	require.NoError(t, err)
	_, isFallback = codec.(*security.FallbackCodec)
	assert.True(t, isFallback)

	cfg.Activation.LegacyKey = "short"
	_, err = LedgerCodec(cfg)
	assert.Error(t, err)
}

func TestLicenseCodec(t *testing.T) {
	tests := []struct {
		name       string
		configure  func(*config.Config)
		wantLegacy int
	}{
		{name: "tagged only", configure: func(*config.Config) {}},
		{name: "legacy secret", configure: func(c *config.Config) { c.License.LegacySecret = "old" }, wantLegacy: 1},
		{name: "untagged import", configure: func(c *config.Config) { c.License.LegacyUntagged = true }, wantLegacy: 1},
		{name: "both", configure: func(c *config.Config) {
			c.License.LegacySecret = "old"
			c.License.LegacyUntagged = true
		}, wantLegacy: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := testConfig(t)
			tt.configure(cfg)

			codec, err := LicenseCodec(cfg)
			require.NoError(t, err)
			fallback, isFallback := codec.(*security.FallbackCodec)
			if tt.wantLegacy == 0 {
				assert.False(t, isFallback)
				return
			}
			require.True(t, isFallback)
			assert.Len(t, fallback.Legacy, tt.wantLegacy)
			if cfg.License.LegacyUntagged {
				assert.IsType(t, &security.UntaggedSaltedCodec{}, fallback.Legacy[0])
			}
		})
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
