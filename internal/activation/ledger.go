package activation

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"licensecore/internal/audit"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/internal/timesource"
)

// MaxBatchSize bounds IssueBatch.
const MaxBatchSize = 1000

const maxGenerateAttempts = 16

// Redeemer is the part of the ledger a client needs.
type Redeemer interface {
	Redeem(ctx context.Context, code, device string) (bool, error)
}

// Redemption describes an accepted redemption.
type Redemption struct {
	Code         Code `json:"code"`
	AlreadyBound bool `json:"already_bound"`
}

// Stats summarizes the ledger.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Used    int `json:"used"`
	Damaged int `json:"damaged"`
}

// RepairOptions controls Repair.
type RepairOptions struct {
	// ImportPlaintext re-seals unencrypted entries left by earlier releases
	// instead of removing them.
	ImportPlaintext bool
}

// RepairReport describes what Repair changed.
type RepairReport struct {
	BackupPath string   `json:"backup_path,omitempty"`
	Imported   []string `json:"imported,omitempty"`
	Removed    []string `json:"removed"`
	Kept       int      `json:"kept"`
}

// Options configures a Ledger. Store is required.
type Options struct {
	Store   *Store
	Clock   timesource.Source
	Rand    io.Reader
	Logger  *slog.Logger
	Metrics *LedgerMetrics
	Auditor audit.Recorder
}

// Ledger issues and redeems activation codes.
type Ledger struct {
	store   *Store
	clock   timesource.Source
	rand    io.Reader
	logger  *slog.Logger
	metrics *LedgerMetrics
	auditor audit.Recorder

	mu sync.Mutex
}

// NewLedger creates a ledger over opts.Store.
func NewLedger(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, apperrors.NewConfigError("activation store is required", nil)
	}
	l := &Ledger{
		store:   opts.Store,
		clock:   opts.Clock,
		rand:    opts.Rand,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		auditor: opts.Auditor,
	}
	if l.clock == nil {
		l.clock = timesource.LocalClock{}
	}
	if l.rand == nil {
		l.rand = rand.Reader
	}
	if l.logger == nil {
		l.logger = infrastructure.GetLogger()
	}
	l.logger = l.logger.With(slog.String("component", "activation_ledger"))
	if l.auditor == nil {
		l.auditor = audit.Nop{}
	}
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.store.Path()
}

// Issue creates one code valid for validityDays and redeemable by maxUses
// devices.
func (l *Ledger) Issue(ctx context.Context, validityDays, maxUses int) (Code, error) {
	batch, err := l.IssueBatch(ctx, 1, validityDays, maxUses)
	if err != nil {
		return Code{}, err
	}
	return batch[0], nil
}

// IssueBatch creates n codes with the same terms in a single ledger write.
func (l *Ledger) IssueBatch(ctx context.Context, n, validityDays, maxUses int) ([]Code, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "activation.issue",
		attribute.Int("activation.count", n),
		attribute.Int("activation.validity_days", validityDays),
		attribute.Int("activation.max_uses", maxUses))
	defer span.End()

	switch {
	case validityDays < 1:
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "validity must be at least 1 day, got %d", validityDays)
	case maxUses < 1:
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "max uses must be at least 1, got %d", maxUses)
	case n < 1 || n > MaxBatchSize:
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "batch size must be between 1 and %d, got %d", MaxBatchSize, n)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now, _ := l.clock.Now(ctx)
	issued := make([]Code, 0, n)
	for i := 0; i < n; i++ {
		key, err := l.newCode(snap)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		code := &Code{
			Code:      key,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(validityDays) * 24 * time.Hour),
			MaxUses:   maxUses,
			Devices:   []string{},
			Status:    StatusActive,
		}
		snap.Codes[key] = code
		issued = append(issued, code.clone())
	}

	if err := l.save(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	l.metrics.recordIssued(ctx, len(issued))
	for _, c := range issued {
		l.record(ctx, audit.ActionActivationIssue, c.Code, "", audit.OutcomeSuccess, "")
	}
	l.logInfo(ctx, "issue", "Activation codes issued",
		slog.Int("count", len(issued)),
		slog.Int("validity_days", validityDays),
		slog.Int("max_uses", maxUses))
	span.SetStatus(codes.Ok, "codes issued")
	return issued, nil
}

func (l *Ledger) newCode(snap *Snapshot) (string, error) {
	for i := 0; i < maxGenerateAttempts; i++ {
		key, err := GenerateCode(l.rand)
		if err != nil {
			return "", err
		}
		if _, taken := snap.Codes[key]; taken {
			continue
		}
		if _, taken := snap.Damaged[key]; taken {
			continue
		}
		return key, nil
	}
	return "", apperrors.NewActivationError("could not generate a unique activation code", nil)
}

// Redeem binds device to code. It returns true when the device may run,
// and otherwise an error whose Kind says why not.
func (l *Ledger) Redeem(ctx context.Context, code, device string) (bool, error) {
	_, err := l.RedeemDetailed(ctx, code, device)
	return err == nil, err
}

// RedeemDetailed is Redeem returning the updated code. Checks run in a fixed
// order: format, existence, status, expiry, existing binding, quota. Expiry
// is checked before quota, and a device that is already bound is accepted
// without consuming a use.
func (l *Ledger) RedeemDetailed(ctx context.Context, code, device string) (*Redemption, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "activation.redeem")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	key, _ := NormalizeCode(code)
	subject := key
	if subject == "" {
		subject = code
	}

	r, err := l.redeemLocked(ctx, code, device)
	l.metrics.recordRedeem(ctx, err)

	outcome, reason := audit.OutcomeSuccess, ""
	if err != nil {
		outcome, reason = audit.OutcomeRejected, string(apperrors.KindOf(err))
		if reason == "" {
			outcome, reason = audit.OutcomeError, err.Error()
		}
		span.SetAttributes(attribute.String("activation.reject_kind", string(apperrors.KindOf(err))))
		span.SetStatus(codes.Error, err.Error())
		l.logWarn(ctx, "redeem", "Activation code rejected",
			slog.String("code", infrastructure.MaskSecret(subject)),
			slog.String("device", infrastructure.ShortFingerprint(device)),
			slog.String("error", err.Error()))
	} else {
		span.SetAttributes(attribute.Bool("activation.already_bound", r.AlreadyBound))
		span.SetStatus(codes.Ok, "redeemed")
		l.logInfo(ctx, "redeem", "Activation code redeemed",
			slog.String("code", infrastructure.MaskSecret(subject)),
			slog.String("device", infrastructure.ShortFingerprint(device)),
			slog.Bool("already_bound", r.AlreadyBound),
			slog.Int("remaining", r.Code.Remaining()))
	}
	l.record(ctx, audit.ActionActivationRedeem, subject, infrastructure.ShortFingerprint(device), outcome, reason)
	return r, err
}

func (l *Ledger) redeemLocked(ctx context.Context, code, device string) (*Redemption, error) {
	key, ok := NormalizeCode(code)
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "activation code is not in AAAA-BBBB-CCCC-DDDD form")
	}
	if canonicalDevice(device) == "" {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "device fingerprint is empty")
	}

	snap, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := snap.Codes[key]
	if !ok {
		if _, damaged := snap.Damaged[key]; damaged {
			return nil, apperrors.NewKindError(apperrors.KindDecryptionFailure, "activation code entry is damaged", nil)
		}
		return nil, notFound()
	}

	switch c.Status {
	case StatusActive:
	case StatusRevoked:
		return nil, apperrors.Newf(apperrors.KindRevoked, "activation code has been revoked")
	default:
		return nil, apperrors.Newf(apperrors.KindExpired, "activation code expired on %s", c.ExpiresAt.Format(time.DateOnly))
	}

	now, _ := l.clock.Now(ctx)
	if c.ExpiredAt(now) {
		c.Status = StatusExpired
		if err := l.save(ctx, snap); err != nil {
			return nil, err
		}
		return nil, apperrors.Newf(apperrors.KindExpired, "activation code expired on %s", c.ExpiresAt.Format(time.DateOnly))
	}

	if c.IsBound(device) {
		return &Redemption{Code: c.clone(), AlreadyBound: true}, nil
	}

	if c.UsedCount >= c.MaxUses {
		return nil, apperrors.Newf(apperrors.KindQuotaExceeded, "activation code already used on %d of %d devices", c.UsedCount, c.MaxUses)
	}

	c.bind(device)
	if err := l.save(ctx, snap); err != nil {
		return nil, err
	}
	return &Redemption{Code: c.clone()}, nil
}

// Revoke permanently disables code.
func (l *Ledger) Revoke(ctx context.Context, code string) error {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "activation.revoke")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, c, err := l.find(ctx, code)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.Status = StatusRevoked
	if err := l.save(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	l.metrics.recordRevoke(ctx)
	l.record(ctx, audit.ActionActivationRevoke, c.Code, "", audit.OutcomeSuccess, "")
	l.logInfo(ctx, "revoke", "Activation code revoked", slog.String("code", infrastructure.MaskSecret(c.Code)))
	return nil
}

// Extend pushes the expiry of an active code back by extraDays.
func (l *Ledger) Extend(ctx context.Context, code string, extraDays int) (Code, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "activation.extend", attribute.Int("activation.extra_days", extraDays))
	defer span.End()

	if extraDays < 1 {
		return Code{}, apperrors.Newf(apperrors.KindInvalidFormat, "extension must be at least 1 day, got %d", extraDays)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, c, err := l.find(ctx, code)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Code{}, err
	}

	switch c.Status {
	case StatusRevoked:
		return Code{}, apperrors.Newf(apperrors.KindRevoked, "activation code has been revoked")
	case StatusExpired:
		return Code{}, apperrors.Newf(apperrors.KindExpired, "activation code has expired")
	}

	now, _ := l.clock.Now(ctx)
	if c.ExpiredAt(now) {
		c.Status = StatusExpired
		if err := l.save(ctx, snap); err != nil {
			return Code{}, err
		}
		return Code{}, apperrors.Newf(apperrors.KindExpired, "activation code expired on %s", c.ExpiresAt.Format(time.DateOnly))
	}

	c.ExpiresAt = c.ExpiresAt.Add(time.Duration(extraDays) * 24 * time.Hour)
	if err := l.save(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Code{}, err
	}

	l.metrics.recordExtend(ctx)
	l.record(ctx, audit.ActionActivationExtend, c.Code, "", audit.OutcomeSuccess, "")
	l.logInfo(ctx, "extend", "Activation code extended",
		slog.String("code", infrastructure.MaskSecret(c.Code)),
		slog.Int("extra_days", extraDays),
		slog.Time("expires_at", c.ExpiresAt))
	return c.clone(), nil
}

// Get returns one code.
func (l *Ledger) Get(ctx context.Context, code string) (Code, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, c, err := l.find(ctx, code)
	if err != nil {
		return Code{}, err
	}
	return c.clone(), nil
}

// List returns every readable code, oldest first.
func (l *Ledger) List(ctx context.Context) ([]Code, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Code, 0, len(snap.Codes))
	for _, c := range snap.Codes {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// Stats counts codes by stored status. Used is the number of bound devices
// across all codes.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Total: len(snap.Codes) + len(snap.Damaged), Damaged: len(snap.Damaged)}
	for _, c := range snap.Codes {
		switch c.Status {
		case StatusActive:
			s.Active++
		case StatusExpired:
			s.Expired++
		case StatusRevoked:
			s.Revoked++
		}
		s.Used += c.UsedCount
	}
	return s, nil
}

// Repair drops entries that cannot be decoded, after copying the ledger file
// to a backup. Entries sealed by earlier releases are re-sealed in the
// current format. Unencrypted entries count as damaged unless
// opts.ImportPlaintext is set. A ledger with nothing to repair is left
// untouched.
func (l *Ledger) Repair(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := startSpan(ctx, "activation.repair")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	snap, err := l.load(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RepairReport{}, err
	}

	var imported []string
	if opts.ImportPlaintext {
		imported = snap.importPlaintext()
	}
	report := RepairReport{Imported: imported, Removed: snap.DamagedCodes(), Kept: len(snap.Codes)}
	if len(report.Removed) == 0 && len(report.Imported) == 0 && snap.Migrated == 0 {
		return report, nil
	}

	backup, err := l.store.Backup()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RepairReport{}, apperrors.NewStorageError("failed to back up activation ledger", err)
	}
	report.BackupPath = backup

	snap.Damaged = map[string]json.RawMessage{}
	if err := l.save(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return RepairReport{}, err
	}

	for _, key := range report.Imported {
		l.record(ctx, audit.ActionActivationRepair, key, "", audit.OutcomeSuccess, "imported plaintext entry")
	}
	for _, key := range report.Removed {
		l.record(ctx, audit.ActionActivationRepair, key, "", audit.OutcomeSuccess, "removed damaged entry")
	}
	l.logInfo(ctx, "repair", "Activation ledger repaired",
		slog.String("backup", backup),
		slog.Int("imported", len(report.Imported)),
		slog.Int("removed", len(report.Removed)),
		slog.Int("migrated", snap.Migrated),
		slog.Int("kept", report.Kept))
	return report, nil
}

func (l *Ledger) find(ctx context.Context, code string) (*Snapshot, *Code, error) {
	key, ok := NormalizeCode(code)
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.KindInvalidFormat, "activation code is not in AAAA-BBBB-CCCC-DDDD form")
	}
	snap, err := l.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, ok := snap.Codes[key]
	if !ok {
		return nil, nil, notFound()
	}
	return snap, c, nil
}

func (l *Ledger) load(ctx context.Context) (*Snapshot, error) {
	snap, err := l.store.Load()
	if err != nil {
		l.logError(ctx, "load", "Failed to load activation ledger",
			slog.String("path", l.store.Path()),
			slog.String("error", err.Error()))
		return nil, err
	}
	if n := len(snap.Damaged); n > 0 {
		l.metrics.recordDamaged(ctx, n)
		l.logWarn(ctx, "load", "Activation ledger contains undecodable entries",
			slog.Int("damaged", n),
			slog.String("path", l.store.Path()))
	}
	return snap, nil
}

func (l *Ledger) save(ctx context.Context, snap *Snapshot) error {
	err := l.store.Save(snap)
	l.metrics.recordWrite(ctx, err)
	if err != nil {
		l.logError(ctx, "save", "Failed to write activation ledger",
			slog.String("path", l.store.Path()),
			slog.String("error", err.Error()))
	}
	return err
}

func (l *Ledger) record(ctx context.Context, action, code, device, outcome, reason string) {
	err := l.auditor.Record(ctx, audit.Event{
		Timestamp: time.Now(),
		Action:    action,
		Subject:   audit.Subject(code),
		Device:    device,
		Outcome:   outcome,
		Reason:    reason,
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		l.logWarn(ctx, "audit", "Failed to record audit event", slog.String("error", err.Error()))
	}
}

func notFound() error {
	return apperrors.NewKindError(apperrors.KindInvalidFormat, "activation code not found", apperrors.ErrNotFound)
}

func (l *Ledger) logInfo(ctx context.Context, action, msg string, attrs ...any) {
	l.logger.InfoContext(ctx, msg, append([]any{slog.String("action", action), slog.String("trace_id", infrastructure.GetTraceID(ctx))}, attrs...)...)
}

func (l *Ledger) logWarn(ctx context.Context, action, msg string, attrs ...any) {
	l.logger.WarnContext(ctx, msg, append([]any{slog.String("action", action), slog.String("trace_id", infrastructure.GetTraceID(ctx))}, attrs...)...)
}

func (l *Ledger) logError(ctx context.Context, action, msg string, attrs ...any) {
	l.logger.ErrorContext(ctx, msg, append([]any{slog.String("action", action), slog.String("trace_id", infrastructure.GetTraceID(ctx))}, attrs...)...)
}
