package license

import (
	"context"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"licensecore/internal/audit"
	"licensecore/internal/config"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/internal/security"
	"licensecore/internal/timesource"
)

// Status is the verifier's lifecycle state.
type Status string

const (
	StatusUnlicensed Status = "unlicensed"
	StatusVerifying  Status = "verifying"
	StatusLicensed   Status = "licensed"
	StatusRejected   Status = "rejected"
)

// persistedKey is the cache key of the decision over the stored state.
const persistedKey = "persisted"

// Decision is the outcome of one verification.
type Decision struct {
	Valid      bool           `json:"valid"`
	Status     Status         `json:"status"`
	Kind       apperrors.Kind `json:"kind,omitempty"`
	Message    string         `json:"message"`
	ExpireDate string         `json:"expire_date,omitempty"`
	TimeSource string         `json:"time_source,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`

	// Err is the underlying cause of a rejection, for logs only.
	Err error `json:"-"`
}

// ActivationInfo summarizes the persisted license for display.
type ActivationInfo struct {
	Activated  bool   `json:"activated"`
	ExpireDate string `json:"expire_date,omitempty"`
	DaysLeft   int    `json:"days_left"`
	Message    string `json:"message"`
}

// Entitlement is the opaque value handed to the content layer. Both fields
// are zero when the installation is not licensed.
type Entitlement struct {
	Token  string `json:"token"`
	Factor int    `json:"factor"`
}

// Options configures a Manager. Store, PublicKey and MasterSecret are
// required.
type Options struct {
	Store             *StateStore
	PublicKey         *rsa.PublicKey
	MasterSecret      string
	Fingerprint       security.FingerprintProvider
	Clock             timesource.Source
	RollbackTolerance time.Duration
	Location          *time.Location
	CacheTTL          time.Duration
	Logger            *slog.Logger
	Metrics           *LicenseMetrics
	Auditor           audit.Recorder
}

// Manager is the license verifier. It owns the persisted license state and
// is the single source of truth for whether this installation is licensed.
type Manager struct {
	store        *StateStore
	publicKey    *rsa.PublicKey
	masterSecret []byte
	fingerprint  security.FingerprintProvider
	clock        timesource.Source
	tolerance    time.Duration
	location     *time.Location
	logger       *slog.Logger
	metrics      *LicenseMetrics
	auditor      audit.Recorder
	cache        *DecisionCache

	// mu serializes verifications so that state reads and writes do not
	// interleave.
	mu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

// NewManager creates a license manager. A missing public key or master
// secret is reported as ConfigurationMissing.
func NewManager(opts Options) (*Manager, error) {
	if opts.PublicKey == nil {
		return nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "license public key is not configured", nil)
	}
	if opts.MasterSecret == "" {
		return nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "license master secret is not configured", nil)
	}
	if opts.Store == nil {
		return nil, apperrors.NewConfigError("license state store is required", nil)
	}

	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "license_manager"))

	m := &Manager{
		store:        opts.Store,
		publicKey:    opts.PublicKey,
		masterSecret: []byte(opts.MasterSecret),
		fingerprint:  opts.Fingerprint,
		clock:        opts.Clock,
		tolerance:    opts.RollbackTolerance,
		location:     opts.Location,
		logger:       logger,
		metrics:      opts.Metrics,
		auditor:      opts.Auditor,
		status:       StatusUnlicensed,
	}
	if m.fingerprint == nil {
		m.fingerprint = security.NewFingerprintManager(config.AppName, logger)
	}
	if m.clock == nil {
		m.clock = timesource.LocalClock{}
	}
	if m.tolerance <= 0 {
		m.tolerance = config.DefaultRollbackTolerance
	}
	if m.location == nil {
		m.location = time.Local
	}
	if m.auditor == nil {
		m.auditor = audit.Nop{}
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = config.LicenseStatusCacheTTL
	}
	m.cache = NewDecisionCache(ttl, 4)

	return m, nil
}

// VerifyLicense verifies code and, on success, persists it as the license of
// this installation. An empty code re-verifies the persisted license.
func (m *Manager) VerifyLicense(ctx context.Context, code string) Decision {
	d, _ := m.run(ctx, code)
	return d
}

// IsActivated re-runs verification over the persisted license.
func (m *Manager) IsActivated(ctx context.Context) bool {
	return m.VerifyLicense(ctx, "").Valid
}

// GetActivationInfo re-verifies the persisted license and summarizes it.
func (m *Manager) GetActivationInfo(ctx context.Context) ActivationInfo {
	d := m.VerifyLicense(ctx, "")
	info := ActivationInfo{
		Activated:  d.Valid,
		ExpireDate: d.ExpireDate,
		Message:    d.Message,
	}
	info.DaysLeft = m.DaysLeft(d)
	return info
}

// DaysLeft counts the days remaining on a valid decision, in the manager's
// time zone. It is 0 for any other decision.
func (m *Manager) DaysLeft(d Decision) int {
	if !d.Valid {
		return 0
	}
	return DaysLeft(d.ExpireDate, d.CheckedAt, m.location)
}

// CachedDecision returns a recent decision over the persisted license,
// verifying again once the cached one is older than the cache TTL.
func (m *Manager) CachedDecision(ctx context.Context) Decision {
	if d, ok := m.cache.Get(persistedKey); ok {
		m.metrics.recordCache(ctx, true)
		return d
	}
	m.metrics.recordCache(ctx, false)
	d := m.VerifyLicense(ctx, "")
	m.cache.Set(persistedKey, d)
	return d
}

// Entitlement derives the content layer's entitlement from the verified
// license.
func (m *Manager) Entitlement(ctx context.Context) Entitlement {
	d, cred := m.run(ctx, "")
	if !d.Valid || cred == nil {
		return Entitlement{}
	}

	mac := hmac.New(sha256.New, m.masterSecret)
	mac.Write(cred.SignedPayload())

	compact, _ := security.NormalizeFingerprint(cred.DeviceFingerprint)
	sum := sha256.Sum256([]byte(compact))

	return Entitlement{
		Token:  hex.EncodeToString(mac.Sum(nil)),
		Factor: 1 + int(binary.BigEndian.Uint32(sum[:4])%100),
	}
}

// Deactivate removes the persisted license.
func (m *Manager) Deactivate(ctx context.Context) error {
	ctx = infrastructure.EnsureTraceID(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	state, _ := m.store.Load()
	if err := m.store.Delete(); err != nil {
		m.logError(ctx, "deactivate", "Failed to remove license state", slog.String("error", err.Error()))
		return apperrors.NewStorageError("failed to remove license state", err)
	}
	m.cache.Invalidate()
	m.setStatus(StatusUnlicensed)

	subject := ""
	if state != nil {
		subject = state.LicenseCode
	}
	m.record(ctx, audit.ActionLicenseDeactivate, subject, audit.OutcomeSuccess, "")
	m.logInfo(ctx, "deactivate", "License deactivated")
	return nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Fingerprint returns this device's fingerprint.
func (m *Manager) Fingerprint() security.DeviceFingerprint {
	return m.fingerprint.Fingerprint()
}

// StatePath returns where the license state is persisted.
func (m *Manager) StatePath() string {
	return m.store.Path()
}

func (m *Manager) setStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

func (m *Manager) run(ctx context.Context, code string) (Decision, *Credential) {
	ctx = infrastructure.EnsureTraceID(ctx)
	code = strings.TrimSpace(code)
	fresh := code != ""

	ctx, span := startSpan(ctx, "license.verify", attribute.Bool("license.fresh", fresh))
	defer span.End()
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStatus(StatusVerifying)
	d, cred, subject := m.verifyLocked(ctx, code)
	m.setStatus(d.Status)

	if fresh {
		m.cache.Invalidate()
	}
	m.metrics.recordVerification(ctx, d, time.Since(start))

	span.SetAttributes(
		attribute.Bool("license.valid", d.Valid),
		attribute.String("license.time_source", d.TimeSource),
	)
	if d.Valid {
		span.SetStatus(codes.Ok, "license verified")
	} else {
		span.SetAttributes(kindAttr(d.Kind))
		span.SetStatus(codes.Error, d.Message)
	}

	if subject != "" && (fresh || !d.Valid) {
		outcome := audit.OutcomeSuccess
		if !d.Valid {
			outcome = audit.OutcomeRejected
		}
		m.record(ctx, audit.ActionLicenseVerify, subject, outcome, string(d.Kind))
	}
	return d, cred
}

// verifyLocked runs format, device, signature, clock and expiry checks in
// that order. The caller holds m.mu.
func (m *Manager) verifyLocked(ctx context.Context, code string) (Decision, *Credential, string) {
	state, err := m.store.Load()
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindDecryptionFailure) {
			m.metrics.recordStateCorruption(ctx)
			m.logWarn(ctx, "load_state", "License state unreadable, treating installation as not activated",
				slog.String("path", m.store.Path()),
				slog.String("error", err.Error()))
		} else {
			m.logError(ctx, "load_state", "Failed to read license state",
				slog.String("path", m.store.Path()),
				slog.String("error", err.Error()))
		}
		state = nil
	}

	if code == "" {
		if state == nil {
			return Decision{
				Status:    StatusUnlicensed,
				Message:   apperrors.UserMessage(apperrors.KindNone),
				CheckedAt: time.Now(),
			}, nil, ""
		}
		code = state.LicenseCode
	}

	now, fromNetwork := m.clock.Now(ctx)
	source := timesource.Label(fromNetwork)
	m.metrics.recordTimeSource(ctx, source)

	cred, err := m.check(code, state, now, fromNetwork)
	if err != nil {
		kind := apperrors.KindOf(err)
		d := Decision{
			Status:     StatusRejected,
			Kind:       kind,
			Message:    apperrors.UserMessage(kind),
			TimeSource: source,
			CheckedAt:  now,
			Err:        err,
		}
		switch {
		case cred != nil:
			d.ExpireDate = cred.ExpireDate
		case state != nil:
			d.ExpireDate = state.ExpireDate
		}
		m.logWarn(ctx, "verify", "License rejected",
			slog.String("license_key", maskLicenseKey(code)),
			slog.String("kind", string(kind)),
			slog.String("time_source", source),
			slog.String("error", err.Error()))
		return d, nil, code
	}

	device := m.fingerprint.Fingerprint()
	next := State{
		LicenseCode:       code,
		ExpireDate:        cred.ExpireDate,
		DeviceFingerprint: device.String(),
		UpdatedAt:         time.Now(),
		LastVerifiedAt:    m.watermark(state, now, fromNetwork),
	}
	saveErr := m.store.Save(next)
	m.metrics.recordStateWrite(ctx, saveErr)
	if saveErr != nil {
		m.logError(ctx, "persist_state", "Failed to persist license state",
			slog.String("path", m.store.Path()),
			slog.String("error", saveErr.Error()))
		return Decision{
			Status:     StatusRejected,
			Kind:       apperrors.KindStorageFailure,
			Message:    apperrors.UserMessage(apperrors.KindStorageFailure),
			ExpireDate: cred.ExpireDate,
			TimeSource: source,
			CheckedAt:  now,
			Err:        apperrors.NewKindError(apperrors.KindStorageFailure, "persist license state", saveErr),
		}, nil, code
	}

	m.logInfo(ctx, "verify", "License verified",
		slog.String("license_key", maskLicenseKey(code)),
		slog.String("expire_date", cred.ExpireDate),
		slog.String("device", device.Short()),
		slog.String("time_source", source))

	return Decision{
		Valid:      true,
		Status:     StatusLicensed,
		Message:    fmt.Sprintf("Activated, valid until %s", cred.ExpireDate),
		ExpireDate: cred.ExpireDate,
		TimeSource: source,
		CheckedAt:  now,
	}, cred, code
}

// check returns the parsed credential when parsing succeeded, even if a
// later step rejected it.
func (m *Manager) check(code string, state *State, now time.Time, fromNetwork bool) (*Credential, error) {
	cred, err := ParseCredential(code)
	if err != nil {
		return nil, err
	}

	local := m.fingerprint.Fingerprint()
	if !cred.MatchesDevice(local) {
		return cred, apperrors.Newf(apperrors.KindDeviceMismatch,
			"credential bound to %s, this device is %s",
			infrastructure.ShortFingerprint(cred.DeviceFingerprint), local.Short())
	}

	if err := security.Verify(m.publicKey, cred.SignedPayload(), cred.Signature); err != nil {
		return cred, err
	}

	if !fromNetwork && state != nil && !state.LastVerifiedAt.IsZero() {
		if now.Before(state.LastVerifiedAt.Add(-m.tolerance)) {
			return cred, apperrors.Newf(apperrors.KindClockRollbackDetected,
				"local time %s is before last verification %s",
				now.Format(time.RFC3339), state.LastVerifiedAt.Format(time.RFC3339))
		}
	}

	if now.After(cred.EndOfDay(m.location)) {
		return cred, apperrors.Newf(apperrors.KindExpired, "license expired on %s", cred.ExpireDate)
	}
	return cred, nil
}

// watermark never moves backwards on local time. Network time is trusted and
// replaces it.
func (m *Manager) watermark(prev *State, now time.Time, fromNetwork bool) time.Time {
	if fromNetwork || prev == nil || !prev.LastVerifiedAt.After(now) {
		return now
	}
	return prev.LastVerifiedAt
}

func (m *Manager) record(ctx context.Context, action, subject, outcome, reason string) {
	err := m.auditor.Record(ctx, audit.Event{
		Timestamp: time.Now(),
		Action:    action,
		Subject:   audit.Subject(subject),
		Device:    m.fingerprint.Fingerprint().Short(),
		Outcome:   outcome,
		Reason:    reason,
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		m.logWarn(ctx, "audit", "Failed to record audit event", slog.String("error", err.Error()))
	}
}

// DaysLeft counts whole days from now until the start of expireDate, plus
// one for the expiry day itself. It never returns a negative number.
func DaysLeft(expireDate string, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	expire, err := time.ParseInLocation(DateLayout, expireDate, loc)
	if err != nil {
		return 0
	}
	days := int(math.Floor(expire.Sub(now).Hours()/24)) + 1
	if days < 0 {
		return 0
	}
	return days
}
