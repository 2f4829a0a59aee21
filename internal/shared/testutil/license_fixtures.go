package testutil

import (
	"crypto/rsa"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"licensecore/internal/config"
	"licensecore/internal/issuer"
	"licensecore/internal/security"
)

// Fixed test identities.
const (
	MasterSecret = "testutil-master-secret"
	AdminToken   = "testutil-admin-token"

	DeviceA security.DeviceFingerprint = "0123-4567-89AB-CDEF-0123-4567-89AB-CDEF"
	DeviceB security.DeviceFingerprint = "FEDC-BA98-7654-3210-FEDC-BA98-7654-3210"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// SigningKey returns a process-wide RSA key. Generating one per test would
// dominate the run time.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = issuer.GenerateKeyPair(security.MinRSABits)
	})
	require.NoError(t, keyErr)
	return key
}

// WritePublicKey stores the public half of SigningKey in dir and returns the
// file path.
func WritePublicKey(t testing.TB, dir string) string {
	t.Helper()
	pem, err := security.EncodePublicKeyPEM(&SigningKey(t).PublicKey)
	require.NoError(t, err)
	path := filepath.Join(dir, issuer.PublicKeyFile)
	require.NoError(t, os.WriteFile(path, pem, 0o644))
	return path
}

// IssueDays signs a credential for fp valid for days from today.
func IssueDays(t testing.TB, fp security.DeviceFingerprint, days int) string {
	t.Helper()
	return issue(t, issuer.Request{Fingerprint: fp.String(), Days: days})
}

// IssueUntil signs a credential for fp expiring on date (YYYY-MM-DD).
func IssueUntil(t testing.TB, fp security.DeviceFingerprint, date string) string {
	t.Helper()
	return issue(t, issuer.Request{Fingerprint: fp.String(), ExpireDate: date})
}

func issue(t testing.TB, req issuer.Request) string {
	t.Helper()
	_, wire, err := issuer.New(SigningKey(t), config.DefaultProductName).Issue(req)
	require.NoError(t, err)
	return wire
}

// Config returns a configuration rooted in a fresh temporary directory,
// which is returned as well. Network time and request rate limiting are
// disabled and the admin API is enabled with AdminToken.
func Config(t testing.TB) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.License.MasterSecret = MasterSecret
	cfg.License.PublicKeyFile = WritePublicKey(t, dir)
	cfg.Time.Enabled = false
	cfg.Security.RateLimit.Enabled = false
	cfg.Activation.AdminAPIEnabled = true
	cfg.Activation.AdminToken = AdminToken
	cfg.Telemetry.MetricsEnabled = true
	return cfg, dir
}

// Paths resolves and creates cfg's directories under dir.
func Paths(t testing.TB, cfg *config.Config, dir string) *config.Paths {
	t.Helper()
	paths, err := config.ResolvePaths(cfg.Paths, dir)
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())
	return paths
}

// DiscardLogger drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
