package license

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/audit"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/files"
	"licensecore/internal/security"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAuditor) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func TestNewManagerRequiresTrustAnchors(t *testing.T) {
	codec, err := security.NewSaltedCodec(testSecret)
	require.NoError(t, err)
	store := NewStateStore(filepath.Join(t.TempDir(), "license.lic"), codec, nil)

	_, err = NewManager(Options{Store: store, MasterSecret: testSecret})
	assert.Equal(t, apperrors.KindConfigurationMissing, apperrors.KindOf(err))

	_, err = NewManager(Options{Store: store, PublicKey: &signingKey(t).PublicKey})
	assert.Equal(t, apperrors.KindConfigurationMissing, apperrors.KindOf(err))

	_, err = NewManager(Options{PublicKey: &signingKey(t).PublicKey, MasterSecret: testSecret})
	assert.Error(t, err)
}

func TestVerifyLicenseSuccessPersistsState(t *testing.T) {
	ctx := context.Background()
	now := utc(2030, 1, 10, 12, 0, 0)
	env := newTestEnv(t, now, true)
	code := issue(t, deviceA, "2030-01-31")

	d := env.manager.VerifyLicense(ctx, code)
	require.True(t, d.Valid, d.Message)
	assert.Equal(t, StatusLicensed, d.Status)
	assert.Equal(t, apperrors.KindNone, d.Kind)
	assert.Equal(t, "2030-01-31", d.ExpireDate)
	assert.Equal(t, "network", d.TimeSource)
	assert.Equal(t, "Activated, valid until 2030-01-31", d.Message)
	assert.Equal(t, StatusLicensed, env.manager.Status())

	state, err := env.store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, code, state.LicenseCode)
	assert.Equal(t, "2030-01-31", state.ExpireDate)
	assert.Equal(t, deviceA.String(), state.DeviceFingerprint)
	assert.True(t, now.Equal(state.LastVerifiedAt))

	assert.True(t, env.manager.IsActivated(ctx))
	info := env.manager.GetActivationInfo(ctx)
	assert.True(t, info.Activated)
	assert.Equal(t, 21, info.DaysLeft)
}

func TestVerifyLicenseWithoutState(t *testing.T) {
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)

	d := env.manager.VerifyLicense(context.Background(), "   ")
	assert.False(t, d.Valid)
	assert.Equal(t, StatusUnlicensed, d.Status)
	assert.Equal(t, apperrors.KindNone, d.Kind)
	assert.Equal(t, "Not activated", d.Message)

	info := env.manager.GetActivationInfo(context.Background())
	assert.False(t, info.Activated)
	assert.Zero(t, info.DaysLeft)
}

func TestVerifyLicenseRejections(t *testing.T) {
	now := utc(2030, 1, 10, 12, 0, 0)

	tamperedExpiry := issueCredential(t, deviceA.Compact(), "2030-01-31", testProduct)
	tamperedExpiry.ExpireDate = "2099-12-31"

	tamperedProduct := issueCredential(t, deviceA.Compact(), "2030-01-31", testProduct)
	tamperedProduct.ProductName = "TikuSoft Pro"

	flippedSig := issueCredential(t, deviceA.Compact(), "2030-01-31", testProduct)
	flippedSig.Signature[0] ^= 0x01

	expiredAndForged := issueCredential(t, deviceA.Compact(), "2020-01-31", testProduct)
	expiredAndForged.Signature[10] ^= 0x80

	tests := []struct {
		name string
		code string
		kind apperrors.Kind
	}{
		{name: "garbage", code: "not-a-license", kind: apperrors.KindInvalidFormat},
		{name: "other device", code: issue(t, deviceB, "2030-01-31"), kind: apperrors.KindDeviceMismatch},
		{name: "tampered expiry", code: tamperedExpiry.Encode(), kind: apperrors.KindSignatureInvalid},
		{name: "tampered product", code: tamperedProduct.Encode(), kind: apperrors.KindSignatureInvalid},
		{name: "flipped signature", code: flippedSig.Encode(), kind: apperrors.KindSignatureInvalid},
		{name: "signature checked before expiry", code: expiredAndForged.Encode(), kind: apperrors.KindSignatureInvalid},
		{name: "expired", code: issue(t, deviceA, "2030-01-09"), kind: apperrors.KindExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, now, true)

			d := env.manager.VerifyLicense(context.Background(), tt.code)
			assert.False(t, d.Valid)
			assert.Equal(t, StatusRejected, d.Status)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, apperrors.UserMessage(tt.kind), d.Message)
			assert.Error(t, d.Err)

			_, err := os.Stat(env.store.Path())
			assert.True(t, os.IsNotExist(err), "rejected credential must not be persisted")
		})
	}
}

func TestRejectedCredentialKeepsExistingState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)
	good := issue(t, deviceA, "2030-01-31")
	require.True(t, env.manager.VerifyLicense(ctx, good).Valid)

	d := env.manager.VerifyLicense(ctx, issue(t, deviceB, "2031-01-31"))
	assert.Equal(t, apperrors.KindDeviceMismatch, d.Kind)

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, good, state.LicenseCode)
	assert.True(t, env.manager.IsActivated(ctx))
}

func TestExpiryBoundary(t *testing.T) {
	tests := []struct {
		name  string
		now   time.Time
		valid bool
	}{
		{name: "last second of expiry day", now: utc(2030, 1, 31, 23, 59, 59), valid: true},
		{name: "first second after", now: utc(2030, 2, 1, 0, 0, 0), valid: false},
		{name: "start of expiry day", now: utc(2030, 1, 31, 0, 0, 0), valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.now, true)
			d := env.manager.VerifyLicense(context.Background(), issue(t, deviceA, "2030-01-31"))
			assert.Equal(t, tt.valid, d.Valid)
			if !tt.valid {
				assert.Equal(t, apperrors.KindExpired, d.Kind)
			}
		})
	}
}

func TestExpiryUsesConfiguredLocation(t *testing.T) {
	baghdad := time.FixedZone("AST", 3*60*60)
	// 2030-01-31 22:00 UTC is already 2030-02-01 01:00 in UTC+3.
	env := newTestEnv(t, utc(2030, 1, 31, 22, 0, 0), true, func(o *Options) { o.Location = baghdad })

	d := env.manager.VerifyLicense(context.Background(), issue(t, deviceA, "2030-01-31"))
	assert.Equal(t, apperrors.KindExpired, d.Kind)
}

func TestClockRollback(t *testing.T) {
	ctx := context.Background()
	verifiedAt := utc(2030, 1, 10, 12, 0, 0)
	env := newTestEnv(t, verifiedAt, false)
	require.True(t, env.manager.VerifyLicense(ctx, issue(t, deviceA, "2030-12-31")).Valid)

	t.Run("local time within tolerance", func(t *testing.T) {
		env.clock.Set(verifiedAt.Add(-5*time.Minute), false)
		d := env.manager.VerifyLicense(ctx, "")
		require.True(t, d.Valid, d.Message)

		state, err := env.store.Load()
		require.NoError(t, err)
		assert.True(t, verifiedAt.Equal(state.LastVerifiedAt), "local time must not move the watermark back")
	})

	t.Run("local time an hour behind", func(t *testing.T) {
		env.clock.Set(verifiedAt.Add(-time.Hour), false)
		d := env.manager.VerifyLicense(ctx, "")
		assert.False(t, d.Valid)
		assert.Equal(t, apperrors.KindClockRollbackDetected, d.Kind)
		assert.Equal(t, "local", d.TimeSource)
		assert.False(t, env.manager.IsActivated(ctx))

		state, err := env.store.Load()
		require.NoError(t, err)
		assert.True(t, verifiedAt.Equal(state.LastVerifiedAt))
	})

	t.Run("network time skips the check", func(t *testing.T) {
		networkNow := verifiedAt.Add(-time.Hour)
		env.clock.Set(networkNow, true)
		d := env.manager.VerifyLicense(ctx, "")
		require.True(t, d.Valid, d.Message)
		assert.Equal(t, "network", d.TimeSource)

		state, err := env.store.Load()
		require.NoError(t, err)
		assert.True(t, networkNow.Equal(state.LastVerifiedAt))
	})

	t.Run("watermark advances with local time", func(t *testing.T) {
		later := verifiedAt.Add(48 * time.Hour)
		env.clock.Set(later, false)
		require.True(t, env.manager.IsActivated(ctx))

		state, err := env.store.Load()
		require.NoError(t, err)
		assert.True(t, later.Equal(state.LastVerifiedAt))
	})
}

func TestDamagedStateIsNotActivated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)
	code := issue(t, deviceA, "2030-01-31")
	require.True(t, env.manager.VerifyLicense(ctx, code).Valid)

	data, err := os.ReadFile(env.store.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.store.Path(), data[:len(data)-4], 0o600))

	d := env.manager.VerifyLicense(ctx, "")
	assert.False(t, d.Valid)
	assert.Equal(t, StatusUnlicensed, d.Status)

	_, err = env.store.Load()
	assert.Equal(t, apperrors.KindDecryptionFailure, apperrors.KindOf(err))

	// Activating again replaces the damaged file.
	require.True(t, env.manager.VerifyLicense(ctx, code).Valid)
	assert.True(t, env.manager.IsActivated(ctx))
}

func TestTamperedStateIsNotActivated(t *testing.T) {
	ctx := context.Background()
	code := issue(t, deviceA, "2030-01-31")

	tests := []struct {
		name   string
		offset int
	}{
		{name: "iv first bit", offset: security.SaltSize},
		{name: "iv last bit", offset: security.SaltSize + security.IVSize - 1},
		{name: "first ciphertext block", offset: security.SaltSize + security.IVSize},
		{name: "tag", offset: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)
			require.True(t, env.manager.VerifyLicense(ctx, code).Valid)

			data, err := os.ReadFile(env.store.Path())
			require.NoError(t, err)
			raw, err := base64.StdEncoding.DecodeString(string(data))
			require.NoError(t, err)
			offset := tt.offset
			if offset < 0 {
				offset = len(raw) - 1
			}
			raw[offset] ^= 0x01
			require.NoError(t, os.WriteFile(env.store.Path(), []byte(base64.StdEncoding.EncodeToString(raw)), 0o600))

			_, err = env.store.Load()
			assert.Equal(t, apperrors.KindDecryptionFailure, apperrors.KindOf(err))
			d := env.manager.VerifyLicense(ctx, "")
			assert.False(t, d.Valid)
			assert.Equal(t, StatusUnlicensed, d.Status)
		})
	}
}

func TestStateWithoutLicenseCodeIsDamaged(t *testing.T) {
	codec, err := security.NewSaltedCodec(testSecret)
	require.NoError(t, err)
	store := NewStateStore(filepath.Join(t.TempDir(), "license.lic"), codec, files.NewManager(nil))
	require.NoError(t, store.Save(State{ExpireDate: "2030-01-31"}))

	state, err := store.Load()
	assert.Nil(t, state)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDecryptionFailure))
}

func TestStateFromEarlierReleaseIsReadable(t *testing.T) {
	ctx := context.Background()
	const legacySecret = "legacy-secret"
	code := issue(t, deviceA, "2030-01-31")

	legacy, err := security.NewFixedKeyCodec(legacySecret)
	require.NoError(t, err)
	primary, err := security.NewSaltedCodec(testSecret)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "license.lic")
	rec, err := legacy.Seal(map[string]string{
		"license_code": code,
		"expire_date":  "2030-01-31",
		"machine_code": deviceA.String(),
		"last_run_at":  "2030-01-05T09:30:00.123456",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(rec), 0o600))

	store := NewStateStore(path, &security.FallbackCodec{Primary: primary, Legacy: []security.Codec{legacy}}, files.NewManager(nil))
	state, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, deviceA.String(), state.DeviceFingerprint)
	assert.True(t, time.Date(2030, 1, 5, 9, 30, 0, 123456000, time.Local).Equal(state.LastVerifiedAt))

	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.Store = store })
	require.True(t, env.manager.IsActivated(ctx))

	// The successful verification rewrote the file in the current format.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var current State
	require.NoError(t, primary.Open(security.EncryptedRecord(data), &current))
	assert.Equal(t, code, current.LicenseCode)
}

func TestSaveFailureRejectsValidCredential(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	codec, err := security.NewSaltedCodec(testSecret)
	require.NoError(t, err)
	store := NewStateStore(filepath.Join(blocker, "license.lic"), codec, files.NewManager(nil))

	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.Store = store })
	d := env.manager.VerifyLicense(context.Background(), issue(t, deviceA, "2030-01-31"))
	assert.False(t, d.Valid)
	assert.Equal(t, StatusRejected, d.Status)
	assert.Equal(t, "The license could not be saved on this computer", d.Message)
	assert.Equal(t, apperrors.KindStorageFailure, d.Kind)
	assert.True(t, apperrors.IsKind(d.Err, apperrors.KindStorageFailure))
	assert.Equal(t, http.StatusInternalServerError, apperrors.NewKindProblem(d.Kind, "/api/license/activate", "").Status)
}

func TestEntitlement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)

	assert.Equal(t, Entitlement{}, env.manager.Entitlement(ctx))

	require.True(t, env.manager.VerifyLicense(ctx, issue(t, deviceA, "2030-01-31")).Valid)
	first := env.manager.Entitlement(ctx)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), first.Token)
	assert.GreaterOrEqual(t, first.Factor, 1)
	assert.LessOrEqual(t, first.Factor, 100)
	assert.Equal(t, first, env.manager.Entitlement(ctx))

	env.clock.Set(utc(2030, 2, 1, 0, 0, 0), true)
	assert.Equal(t, Entitlement{}, env.manager.Entitlement(ctx))
}

func TestEntitlementDependsOnMasterSecret(t *testing.T) {
	ctx := context.Background()
	code := issue(t, deviceA, "2030-01-31")

	a := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true)
	b := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.MasterSecret = "another-secret" })
	require.True(t, a.manager.VerifyLicense(ctx, code).Valid)
	require.True(t, b.manager.VerifyLicense(ctx, code).Valid)

	ea, eb := a.manager.Entitlement(ctx), b.manager.Entitlement(ctx)
	assert.NotEqual(t, ea.Token, eb.Token)
	assert.Equal(t, ea.Factor, eb.Factor)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.Auditor = auditor })
	code := issue(t, deviceA, "2030-01-31")
	require.True(t, env.manager.VerifyLicense(ctx, code).Valid)

	require.NoError(t, env.manager.Deactivate(ctx))
	assert.False(t, env.manager.IsActivated(ctx))
	assert.Equal(t, StatusUnlicensed, env.manager.Status())
	_, err := os.Stat(env.store.Path())
	assert.True(t, os.IsNotExist(err))

	// Deactivating twice is harmless.
	require.NoError(t, env.manager.Deactivate(ctx))

	events := auditor.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, audit.ActionLicenseDeactivate, events[1].Action)
	assert.Equal(t, audit.Subject(code), events[1].Subject)
}

func TestAuditPolicy(t *testing.T) {
	ctx := context.Background()
	auditor := &recordingAuditor{}
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.Auditor = auditor })
	code := issue(t, deviceA, "2030-01-31")

	env.manager.VerifyLicense(ctx, issue(t, deviceB, "2030-01-31"))
	env.manager.VerifyLicense(ctx, code)
	env.manager.IsActivated(ctx)
	env.manager.IsActivated(ctx)
	env.clock.Set(utc(2030, 3, 1, 0, 0, 0), true)
	env.manager.IsActivated(ctx)

	events := auditor.Events()
	require.Len(t, events, 3)

	assert.Equal(t, audit.OutcomeRejected, events[0].Outcome)
	assert.Equal(t, string(apperrors.KindDeviceMismatch), events[0].Reason)

	assert.Equal(t, audit.ActionLicenseVerify, events[1].Action)
	assert.Equal(t, audit.OutcomeSuccess, events[1].Outcome)
	assert.Equal(t, audit.Subject(code), events[1].Subject)
	assert.Equal(t, deviceA.Short(), events[1].Device)
	assert.NotEmpty(t, events[1].TraceID)
	assert.NotContains(t, events[1].Subject, code)

	assert.Equal(t, audit.OutcomeRejected, events[2].Outcome)
	assert.Equal(t, string(apperrors.KindExpired), events[2].Reason)
}

func TestCachedDecision(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, utc(2030, 1, 10, 12, 0, 0), true, func(o *Options) { o.CacheTTL = time.Hour })
	require.True(t, env.manager.VerifyLicense(ctx, issue(t, deviceA, "2030-01-31")).Valid)

	first := env.manager.CachedDecision(ctx)
	require.True(t, first.Valid)

	// A cached decision survives the state disappearing behind the manager's back.
	require.NoError(t, os.Remove(env.store.Path()))
	assert.True(t, env.manager.CachedDecision(ctx).Valid)

	// A fresh verification invalidates it.
	env.manager.VerifyLicense(ctx, "garbage")
	assert.False(t, env.manager.CachedDecision(ctx).Valid)
}
