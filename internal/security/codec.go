package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	apperrors "licensecore/internal/errors"
)

// EncryptedRecord is the base64 text form of an encrypted value.
type EncryptedRecord string

// Codec encrypts JSON-serializable values into EncryptedRecords and back.
type Codec interface {
	Seal(v any) (EncryptedRecord, error)
	Open(rec EncryptedRecord, v any) error
}

// SaltedCodec stores base64(salt ‖ iv ‖ AES-256-CBC(json) ‖ tag), where tag is
// HMAC-SHA256 over salt, iv and ciphertext. Every Seal draws a fresh salt and
// IV, so the keys differ per record. The tag is checked before anything is
// decrypted.
type SaltedCodec struct {
	secret     []byte
	rand       io.Reader
	iterations int
}

// NewCodec returns the codec used for every record this module writes.
func NewCodec(masterSecret string) (Codec, error) {
	c, err := NewSaltedCodec(masterSecret)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewSaltedCodec returns a codec keyed by masterSecret.
func NewSaltedCodec(masterSecret string) (*SaltedCodec, error) {
	if masterSecret == "" {
		return nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "master secret is empty", nil)
	}
	return &SaltedCodec{secret: []byte(masterSecret), rand: rand.Reader, iterations: KDFIterations}, nil
}

// Seal serializes v and encrypts it.
func (c *SaltedCodec) Seal(v any) (EncryptedRecord, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}
	return c.SealBytes(plaintext)
}

// SealBytes encrypts and authenticates raw plaintext.
func (c *SaltedCodec) SealBytes(plaintext []byte) (EncryptedRecord, error) {
	header := make([]byte, SaltSize+IVSize)
	if _, err := io.ReadFull(c.rand, header); err != nil {
		return "", fmt.Errorf("generate salt and iv: %w", err)
	}
	salt, iv := header[:SaltSize], header[SaltSize:]

	encKey, macKey, err := deriveKeys(c.secret, salt, c.iterations)
	if err != nil {
		return "", err
	}
	defer zero(encKey)
	defer zero(macKey)

	ciphertext, err := encryptCBC(encKey, iv, plaintext)
	if err != nil {
		return "", err
	}
	sealed := append(header, ciphertext...)
	sealed = append(sealed, computeTag(macKey, sealed)...)
	return EncryptedRecord(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open verifies and decrypts rec into v. Every failure is reported as
// DecryptionFailure.
func (c *SaltedCodec) Open(rec EncryptedRecord, v any) error {
	plaintext, err := c.OpenBytes(rec)
	if err != nil {
		return err
	}
	return decodeJSON(plaintext, v)
}

// OpenBytes verifies rec and returns the raw plaintext.
func (c *SaltedCodec) OpenBytes(rec EncryptedRecord) ([]byte, error) {
	raw, err := decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if len(raw) < SaltSize+IVSize+IVSize+TagSize {
		return nil, decryptionFailure("record too short", nil)
	}
	body, tag := raw[:len(raw)-TagSize], raw[len(raw)-TagSize:]
	salt, iv, ciphertext := body[:SaltSize], body[SaltSize:SaltSize+IVSize], body[SaltSize+IVSize:]

	encKey, macKey, err := deriveKeys(c.secret, salt, c.iterations)
	if err != nil {
		return nil, err
	}
	defer zero(encKey)
	defer zero(macKey)

	if !hmac.Equal(tag, computeTag(macKey, body)) {
		return nil, decryptionFailure("authentication failed", nil)
	}
	plaintext, err := decryptCBC(encKey, iv, ciphertext)
	if err != nil {
		return nil, decryptionFailure("cipher", err)
	}
	return plaintext, nil
}

// UntaggedSaltedCodec reads base64(salt ‖ iv ‖ AES-256-CBC(json)) records
// written before records carried a tag. Such records are not tamper-evident,
// so the codec is only configured to import them; Seal writes the tagged
// format.
type UntaggedSaltedCodec struct {
	*SaltedCodec
}

// NewUntaggedSaltedCodec returns a reader for untagged records keyed by
// masterSecret.
func NewUntaggedSaltedCodec(masterSecret string) (*UntaggedSaltedCodec, error) {
	c, err := NewSaltedCodec(masterSecret)
	if err != nil {
		return nil, err
	}
	return &UntaggedSaltedCodec{SaltedCodec: c}, nil
}

// Open decrypts an untagged record into v.
func (c *UntaggedSaltedCodec) Open(rec EncryptedRecord, v any) error {
	raw, err := decodeRecord(rec)
	if err != nil {
		return err
	}
	if len(raw) <= SaltSize+IVSize {
		return decryptionFailure("record too short", nil)
	}
	salt, iv, ciphertext := raw[:SaltSize], raw[SaltSize:SaltSize+IVSize], raw[SaltSize+IVSize:]

	encKey, macKey, err := deriveKeys(c.secret, salt, c.iterations)
	if err != nil {
		return err
	}
	defer zero(encKey)
	zero(macKey)

	plaintext, err := decryptCBC(encKey, iv, ciphertext)
	if err != nil {
		return decryptionFailure("cipher", err)
	}
	return decodeJSON(plaintext, v)
}

// FixedKeyCodec reads and writes records under a single static key. It
// exists to import records written by earlier releases, which used
// base64(iv ‖ AES-256-CBC(json)) without a tag. Seal appends an HMAC-SHA256
// tag; Open accepts a tagged record first and the untagged layout otherwise.
type FixedKeyCodec struct {
	key    []byte
	macKey []byte
	rand   io.Reader
}

// NewFixedKeyCodec derives the static key from secret.
func NewFixedKeyCodec(secret string) (*FixedKeyCodec, error) {
	if secret == "" {
		return nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "legacy secret is empty", nil)
	}
	return newFixedKeyCodec(FixedKey(secret)), nil
}

// NewRawKeyCodec uses key as the AES-256 key without hashing. Earlier
// ledger files were keyed with a 32-character per-installation string.
func NewRawKeyCodec(key []byte) (*FixedKeyCodec, error) {
	if len(key) != KeySize {
		return nil, apperrors.Newf(apperrors.KindConfigurationMissing, "legacy key must be %d bytes, got %d", KeySize, len(key))
	}
	return newFixedKeyCodec(append([]byte(nil), key...)), nil
}

func newFixedKeyCodec(key []byte) *FixedKeyCodec {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("licensecore record tag"))
	return &FixedKeyCodec{key: key, macKey: mac.Sum(nil), rand: rand.Reader}
}

// Seal serializes, encrypts and tags v.
func (c *FixedKeyCodec) Seal(v any) (EncryptedRecord, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ciphertext, err := encryptCBC(c.key, iv, plaintext)
	if err != nil {
		return "", err
	}
	sealed := append(iv, ciphertext...)
	sealed = append(sealed, computeTag(c.macKey, sealed)...)
	return EncryptedRecord(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts rec into v.
func (c *FixedKeyCodec) Open(rec EncryptedRecord, v any) error {
	raw, err := decodeRecord(rec)
	if err != nil {
		return err
	}
	if len(raw) <= IVSize {
		return decryptionFailure("record too short", nil)
	}
	if len(raw) >= IVSize+IVSize+TagSize {
		body, tag := raw[:len(raw)-TagSize], raw[len(raw)-TagSize:]
		if hmac.Equal(tag, computeTag(c.macKey, body)) {
			plaintext, err := decryptCBC(c.key, body[:IVSize], body[IVSize:])
			if err != nil {
				return decryptionFailure("cipher", err)
			}
			return decodeJSON(plaintext, v)
		}
	}
	plaintext, err := decryptCBC(c.key, raw[:IVSize], raw[IVSize:])
	if err != nil {
		return decryptionFailure("cipher", err)
	}
	return decodeJSON(plaintext, v)
}

// FallbackCodec seals with Primary and opens with Primary first, then each
// legacy codec in order.
type FallbackCodec struct {
	Primary Codec
	Legacy  []Codec
}

// Seal always writes the primary format.
func (c *FallbackCodec) Seal(v any) (EncryptedRecord, error) {
	return c.Primary.Seal(v)
}

// Open tries the primary codec, then the legacy ones.
func (c *FallbackCodec) Open(rec EncryptedRecord, v any) error {
	err := c.Primary.Open(rec, v)
	if err == nil {
		return nil
	}
	for _, legacy := range c.Legacy {
		if legacyErr := legacy.Open(rec, v); legacyErr == nil {
			return nil
		}
	}
	return err
}

func decodeRecord(rec EncryptedRecord) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(rec)))
	if err != nil {
		return nil, decryptionFailure("malformed base64", err)
	}
	return raw, nil
}

func computeTag(macKey, data []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

func decodeJSON(plaintext []byte, v any) error {
	if err := json.Unmarshal(plaintext, v); err != nil {
		return decryptionFailure("plaintext is not valid JSON", err)
	}
	return nil
}

func decryptionFailure(msg string, cause error) error {
	return apperrors.NewKindError(apperrors.KindDecryptionFailure, "decrypt record: "+msg, cause)
}
