package activation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/files"
	"licensecore/internal/security"
)

// Snapshot is the decoded content of a ledger file.
type Snapshot struct {
	Codes map[string]*Code

	// Damaged holds entries that could not be decoded, verbatim, so that a
	// write does not silently drop them. Repair removes them.
	Damaged map[string]json.RawMessage

	// Migrated counts entries read in a format from an earlier release.
	Migrated int

	// plaintext holds Damaged entries that are unencrypted JSON objects.
	// They are only trusted when an administrator imports them.
	plaintext map[string]*Code

	// sealed remembers current-format entries as loaded so that unchanged
	// codes are written back without another key derivation.
	sealed map[string]sealedEntry
}

type sealedEntry struct {
	record json.RawMessage
	plain  []byte
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Codes:   make(map[string]*Code),
		Damaged:   make(map[string]json.RawMessage),
		sealed:    make(map[string]sealedEntry),
		plaintext: make(map[string]*Code),
	}
}

// DamagedCodes lists the keys of undecodable entries in order.
func (s *Snapshot) DamagedCodes() []string {
	keys := make([]string, 0, len(s.Damaged))
	for k := range s.Damaged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// importPlaintext moves unencrypted entries with a well-formed key into
// Codes so that the next Save seals them. It returns the imported keys in
// order.
func (s *Snapshot) importPlaintext() []string {
	var keys []string
	for key, code := range s.plaintext {
		if normalized, ok := NormalizeCode(key); !ok || normalized != key {
			continue
		}
		if code.MaxUses < 1 {
			continue
		}
		code.Code = key
		s.Codes[key] = code
		delete(s.Damaged, key)
		delete(s.plaintext, key)
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Store reads and writes the ledger file.
type Store struct {
	path  string
	codec security.Codec
	files *files.Manager
}

// NewStore creates a store at path. codec seals every entry; it is normally
// a FallbackCodec so that entries from earlier releases stay readable.
func NewStore(path string, codec security.Codec, fm *files.Manager) *Store {
	if fm == nil {
		fm = files.NewManager(nil)
	}
	return &Store{path: path, codec: codec, files: fm}
}

// Path returns the ledger file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the ledger. A missing file is an empty ledger.
func (s *Store) Load() (*Snapshot, error) {
	snap := newSnapshot()

	data, err := s.files.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("failed to read activation ledger", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return snap, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewKindError(apperrors.KindDecryptionFailure, "activation ledger is not a JSON object", err)
	}

	for key, value := range raw {
		code, migrated, err := s.decodeEntry(value)
		if err != nil {
			snap.Damaged[key] = value
			if errors.Is(err, errPlaintextEntry) {
				snap.plaintext[key] = code
			}
			continue
		}
		if code.Code == "" {
			code.Code = key
		}
		if migrated {
			snap.Migrated++
		} else if plain, err := json.Marshal(code); err == nil {
			snap.sealed[key] = sealedEntry{record: value, plain: plain}
		}
		snap.Codes[key] = code
	}
	return snap, nil
}

var errPlaintextEntry = errors.New("entry is not encrypted")

// decodeEntry opens an encrypted record (a JSON string). A plain JSON object
// is decoded but reported with errPlaintextEntry.
func (s *Store) decodeEntry(value json.RawMessage) (*Code, bool, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil, false, fmt.Errorf("empty entry")
	}

	switch value[0] {
	case '"':
		var rec security.EncryptedRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil, false, err
		}
		return s.openRecord(rec)
	case '{':
		var code Code
		if err := json.Unmarshal(value, &code); err != nil {
			return nil, false, err
		}
		return &code, false, errPlaintextEntry
	default:
		return nil, false, fmt.Errorf("unexpected entry type")
	}
}

// openRecord reports whether rec needed a legacy codec.
func (s *Store) openRecord(rec security.EncryptedRecord) (*Code, bool, error) {
	fc, ok := s.codec.(*security.FallbackCodec)
	if !ok {
		var code Code
		if err := s.codec.Open(rec, &code); err != nil {
			return nil, false, err
		}
		return &code, false, nil
	}

	var code Code
	err := fc.Primary.Open(rec, &code)
	if err == nil {
		return &code, false, nil
	}
	for _, legacy := range fc.Legacy {
		var old Code
		if legacy.Open(rec, &old) == nil {
			return &old, true, nil
		}
	}
	return nil, false, err
}

// Save replaces the ledger file with snap, sealing every code. Damaged
// entries are written back unchanged.
func (s *Store) Save(snap *Snapshot) error {
	out := make(map[string]json.RawMessage, len(snap.Codes)+len(snap.Damaged))
	for key, value := range snap.Damaged {
		out[key] = value
	}
	for key, code := range snap.Codes {
		plain, err := json.Marshal(code)
		if err != nil {
			return fmt.Errorf("encode activation code: %w", err)
		}
		if prev, ok := snap.sealed[key]; ok && bytes.Equal(prev.plain, plain) {
			out[key] = prev.record
			continue
		}

		rec, err := s.codec.Seal(code)
		if err != nil {
			return fmt.Errorf("seal activation code: %w", err)
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode activation code: %w", err)
		}
		out[key] = encoded
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode activation ledger: %w", err)
	}
	if err := s.files.WriteAtomic(s.path, data, 0o600); err != nil {
		return apperrors.NewStorageError("failed to write activation ledger", err)
	}
	return nil
}

// Backup copies the ledger file next to itself and returns the copy's path.
func (s *Store) Backup() (string, error) {
	return s.files.Backup(s.path)
}
