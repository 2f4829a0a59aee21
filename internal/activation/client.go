package activation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/files"
	"licensecore/internal/infrastructure"
	"licensecore/internal/security"
)

// ClientRecord is this installation's memory of a successful redemption.
type ClientRecord struct {
	Code        string    `json:"code"`
	DeviceID    string    `json:"device_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Client redeems codes for the local device and remembers the result. The
// record is only a hint: Check re-validates it against the ledger.
type Client struct {
	ledger      Redeemer
	fingerprint security.FingerprintProvider
	codec       security.Codec
	files       *files.Manager
	path        string
	logger      *slog.Logger
	now         func() time.Time
}

// NewClient creates a client whose record lives at path.
func NewClient(ledger Redeemer, fp security.FingerprintProvider, path string, codec security.Codec, fm *files.Manager, logger *slog.Logger) *Client {
	if fm == nil {
		fm = files.NewManager(nil)
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Client{
		ledger:      ledger,
		fingerprint: fp,
		codec:       codec,
		files:       fm,
		path:        path,
		logger:      logger.With(slog.String("component", "activation_client")),
		now:         time.Now,
	}
}

// Activate redeems code for this device and, on success, stores the record.
func (c *Client) Activate(ctx context.Context, code string) (bool, error) {
	device := c.fingerprint.Fingerprint().String()
	ok, err := c.ledger.Redeem(ctx, code, device)
	if !ok {
		return false, err
	}

	key, _ := NormalizeCode(code)
	rec := ClientRecord{Code: key, DeviceID: device, ActivatedAt: c.now()}
	if err := c.save(rec); err != nil {
		c.logger.ErrorContext(ctx, "Failed to store activation record",
			slog.String("path", c.path),
			slog.String("error", err.Error()))
		return false, err
	}
	return true, nil
}

// Check reports whether the stored record still redeems for this device.
// A missing or unreadable record is simply not activated, and so is a record
// written on another device. The ledger is not consulted for it.
func (c *Client) Check(ctx context.Context) bool {
	rec, err := c.Record()
	if err != nil {
		c.logger.WarnContext(ctx, "Activation record unreadable",
			slog.String("path", c.path),
			slog.String("error", err.Error()))
		return false
	}
	if rec == nil {
		return false
	}

	device := c.fingerprint.Fingerprint().String()
	if canonicalDevice(rec.DeviceID) != canonicalDevice(device) {
		c.logger.WarnContext(ctx, "Activation record belongs to another device",
			slog.String("code", infrastructure.MaskSecret(rec.Code)),
			slog.String("kind", string(apperrors.KindDeviceMismatch)),
			slog.String("device", infrastructure.ShortFingerprint(device)))
		return false
	}

	ok, err := c.ledger.Redeem(ctx, rec.Code, device)
	if !ok {
		c.logger.InfoContext(ctx, "Stored activation no longer valid",
			slog.String("code", infrastructure.MaskSecret(rec.Code)),
			slog.String("kind", string(apperrors.KindOf(err))))
	}
	return ok
}

// Record returns the stored record, or nil when there is none.
func (c *Client) Record() (*ClientRecord, error) {
	data, err := c.files.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read activation record: %w", err)
	}
	var rec ClientRecord
	if err := c.codec.Open(security.EncryptedRecord(data), &rec); err != nil {
		return nil, err
	}
	if rec.Code == "" {
		return nil, nil
	}
	return &rec, nil
}

// Clear removes the stored record.
func (c *Client) Clear() error {
	return c.files.DeleteFile(c.path)
}

func (c *Client) save(rec ClientRecord) error {
	sealed, err := c.codec.Seal(rec)
	if err != nil {
		return fmt.Errorf("seal activation record: %w", err)
	}
	return c.files.WriteAtomic(c.path, []byte(sealed), 0o600)
}
