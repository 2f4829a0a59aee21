package license

import (
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensecore/internal/files"
	"licensecore/internal/security"
	"licensecore/internal/timesource"
)

const (
	testSecret  = "master-secret"
	testProduct = "TikuSoft"

	deviceA security.DeviceFingerprint = "0123-4567-89AB-CDEF-0123-4567-89AB-CDEF"
	deviceB security.DeviceFingerprint = "FEDC-BA98-7654-3210-FEDC-BA98-7654-3210"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := security.GenerateSigningKey(security.MinRSABits)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

// issue signs a credential for fp the way the offline issuer does.
func issue(t *testing.T, fp security.DeviceFingerprint, expire string) string {
	t.Helper()
	return issueCredential(t, fp.Compact(), expire, testProduct).Encode()
}

func issueCredential(t *testing.T, fp, expire, product string) *Credential {
	t.Helper()
	c := &Credential{DeviceFingerprint: fp, ExpireDate: expire, ProductName: product}
	sig, err := security.Sign(signingKey(t), c.SignedPayload())
	require.NoError(t, err)
	c.Signature = sig
	return c
}

type testEnv struct {
	manager *Manager
	store   *StateStore
	clock   *timesource.Fixed
	dir     string
}

type envOption func(*Options)

func newTestEnv(t *testing.T, at time.Time, fromNetwork bool, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	codec, err := security.NewSaltedCodec(testSecret)
	require.NoError(t, err)

	store := NewStateStore(filepath.Join(dir, "license.lic"), codec, files.NewManager(nil))
	clock := timesource.NewFixed(at, fromNetwork)

	o := Options{
		Store:        store,
		PublicKey:    &signingKey(t).PublicKey,
		MasterSecret: testSecret,
		Fingerprint:  security.StaticFingerprint(deviceA),
		Clock:        clock,
		Location:     time.UTC,
		CacheTTL:     -1,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := NewManager(o)
	require.NoError(t, err)
	return &testEnv{manager: m, store: store, clock: clock, dir: dir}
}

func utc(year int, month time.Month, day, hour, min, sec int) time.Time {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}
