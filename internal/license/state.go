package license

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/files"
	"licensecore/internal/security"
)

// State is the persisted result of the last successful verification.
// LastVerifiedAt is the clock rollback watermark.
type State struct {
	LicenseCode       string    `json:"license_code"`
	ExpireDate        string    `json:"expire_date"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	UpdatedAt         time.Time `json:"updated_at"`
	LastVerifiedAt    time.Time `json:"last_verified_at"`
}

// storedState accepts both the current field set and the one written by
// earlier releases (machine_code, last_run_at, naive ISO timestamps).
type storedState struct {
	LicenseCode       string `json:"license_code"`
	ExpireDate        string `json:"expire_date"`
	DeviceFingerprint string `json:"device_fingerprint"`
	MachineCode       string `json:"machine_code"`
	UpdatedAt         string `json:"updated_at"`
	LastVerifiedAt    string `json:"last_verified_at"`
	LastRunAt         string `json:"last_run_at"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s storedState) toState() *State {
	st := &State{
		LicenseCode:       s.LicenseCode,
		ExpireDate:        s.ExpireDate,
		DeviceFingerprint: s.DeviceFingerprint,
		UpdatedAt:         parseTimestamp(s.UpdatedAt),
		LastVerifiedAt:    parseTimestamp(s.LastVerifiedAt),
	}
	if st.DeviceFingerprint == "" {
		st.DeviceFingerprint = s.MachineCode
	}
	if st.LastVerifiedAt.IsZero() {
		st.LastVerifiedAt = parseTimestamp(s.LastRunAt)
	}
	return st
}

// StateStore persists State as a single encrypted record.
type StateStore struct {
	path  string
	codec security.Codec
	files *files.Manager
}

// NewStateStore creates a store at path. codec is normally a FallbackCodec
// whose legacy entry reads fixed-key files from earlier releases.
func NewStateStore(path string, codec security.Codec, fm *files.Manager) *StateStore {
	if fm == nil {
		fm = files.NewManager(nil)
	}
	return &StateStore{path: path, codec: codec, files: fm}
}

// Path returns the file location.
func (s *StateStore) Path() string {
	return s.path
}

// Load returns the persisted state, or (nil, nil) when no state exists.
// A damaged or tampered file yields a DecryptionFailure error.
func (s *StateStore) Load() (*State, error) {
	data, err := s.files.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read license state: %w", err)
	}

	var stored storedState
	if err := s.codec.Open(security.EncryptedRecord(data), &stored); err != nil {
		return nil, err
	}
	st := stored.toState()
	if st.LicenseCode == "" {
		return nil, apperrors.NewKindError(apperrors.KindDecryptionFailure, "license state has no license code", nil)
	}
	return st, nil
}

// Save replaces the persisted state.
func (s *StateStore) Save(st State) error {
	rec, err := s.codec.Seal(st)
	if err != nil {
		return fmt.Errorf("seal license state: %w", err)
	}
	if err := s.files.WriteAtomic(s.path, []byte(rec), 0o600); err != nil {
		return fmt.Errorf("write license state: %w", err)
	}
	return nil
}

// Delete removes the persisted state.
func (s *StateStore) Delete() error {
	return s.files.DeleteFile(s.path)
}
