package issuer

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/license"
	"licensecore/internal/security"
	"licensecore/internal/timesource"
)

const device security.DeviceFingerprint = "0123-4567-89AB-CDEF-0123-4567-89AB-CDEF"

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := GenerateKeyPair(security.MinRSABits)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func newTestIssuer(t *testing.T) *Issuer {
	i := New(signingKey(t), "TikuSoft")
	i.now = func() time.Time { return time.Date(2030, 1, 1, 15, 0, 0, 0, time.UTC) }
	return i
}

func TestIssue(t *testing.T) {
	iss := newTestIssuer(t)

	tests := []struct {
		name       string
		req        Request
		wantExpire string
		wantKind   apperrors.Kind
	}{
		{name: "days", req: Request{Fingerprint: device.String(), Days: 365}, wantExpire: "2031-01-01"},
		{name: "compact lowercase fingerprint", req: Request{Fingerprint: "0123456789abcdef0123456789abcdef", Days: 30}, wantExpire: "2030-01-31"},
		{name: "explicit date", req: Request{Fingerprint: device.String(), ExpireDate: "2035-06-30", Days: 1}, wantExpire: "2035-06-30"},
		{name: "bad fingerprint", req: Request{Fingerprint: "1234", Days: 30}, wantKind: apperrors.KindInvalidFormat},
		{name: "zero days", req: Request{Fingerprint: device.String()}, wantKind: apperrors.KindInvalidFormat},
		{name: "too many days", req: Request{Fingerprint: device.String(), Days: MaxValidityDays + 1}, wantKind: apperrors.KindInvalidFormat},
		{name: "bad date", req: Request{Fingerprint: device.String(), ExpireDate: "30.06.2035"}, wantKind: apperrors.KindInvalidFormat},
		{name: "separator in product", req: Request{Fingerprint: device.String(), Days: 1, Product: "a|b"}, wantKind: apperrors.KindInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, code, err := iss.Issue(tt.req)
			if tt.wantKind != apperrors.KindNone {
				assert.Equal(t, tt.wantKind, apperrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExpire, cred.ExpireDate)
			assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF", cred.DeviceFingerprint)
			assert.Equal(t, "TikuSoft", cred.ProductName)

			parsed, err := license.ParseCredential(code)
			require.NoError(t, err)
			require.NoError(t, security.Verify(&signingKey(t).PublicKey, parsed.SignedPayload(), parsed.Signature))
		})
	}
}

func TestIssueWithoutKey(t *testing.T) {
	_, _, err := New(nil, "TikuSoft").Issue(Request{Fingerprint: device.String(), Days: 1})
	assert.Equal(t, apperrors.KindConfigurationMissing, apperrors.KindOf(err))
}

func TestIssuedCredentialActivates(t *testing.T) {
	_, code, err := newTestIssuer(t).Issue(Request{Fingerprint: device.String(), Days: 30})
	require.NoError(t, err)

	codec, err := security.NewSaltedCodec("secret")
	require.NoError(t, err)
	m, err := license.NewManager(license.Options{
		Store:        license.NewStateStore(filepath.Join(t.TempDir(), "license.lic"), codec, nil),
		PublicKey:    &signingKey(t).PublicKey,
		MasterSecret: "secret",
		Fingerprint:  security.StaticFingerprint(device),
		Clock:        timesource.NewFixed(time.Date(2030, 1, 15, 0, 0, 0, 0, time.UTC), true),
		Location:     time.UTC,
	})
	require.NoError(t, err)

	d := m.VerifyLicense(context.Background(), code)
	assert.True(t, d.Valid, d.Message)
	assert.Equal(t, "2030-01-31", d.ExpireDate)
}

func TestKeyPairFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	key := signingKey(t)

	priv, pub, err := WriteKeyPair(dir, key, false)
	require.NoError(t, err)

	info, err := os.Stat(priv)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadPrivateKey(priv)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	pubPEM, err := os.ReadFile(pub)
	require.NoError(t, err)
	pubKey, err := security.ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pubKey))

	_, _, err = WriteKeyPair(dir, key, false)
	assert.Error(t, err, "existing keys are not overwritten")
	_, _, err = WriteKeyPair(dir, key, true)
	assert.NoError(t, err)
}

func TestGenerateKeyPairMinimumSize(t *testing.T) {
	_, err := GenerateKeyPair(1024)
	assert.Error(t, err)
}
