package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	apperrors "licensecore/internal/errors"
)

// Key derivation and block cipher parameters shared by every stored record.
const (
	KDFIterations = 100000
	KeySize       = 32
	SaltSize      = 16
	IVSize        = aes.BlockSize
	TagSize       = sha256.Size
)

var errPadding = errors.New("invalid padding")

// DeriveKey stretches masterSecret with salt using PBKDF2-HMAC-SHA256.
// The same inputs always yield the same 32-byte key.
func DeriveKey(masterSecret, salt []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "master secret is empty", nil)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt must not be empty")
	}
	return pbkdf2.Key(masterSecret, salt, KDFIterations, KeySize, sha256.New), nil
}

// deriveKeys stretches masterSecret into an encryption key and a MAC key.
// The encryption key equals DeriveKey's result for the same inputs.
func deriveKeys(masterSecret, salt []byte, iterations int) (encKey, macKey []byte, err error) {
	if len(masterSecret) == 0 {
		return nil, nil, apperrors.NewKindError(apperrors.KindConfigurationMissing, "master secret is empty", nil)
	}
	if len(salt) == 0 {
		return nil, nil, fmt.Errorf("salt must not be empty")
	}
	if iterations <= 0 {
		iterations = KDFIterations
	}
	km := pbkdf2.Key(masterSecret, salt, iterations, 2*KeySize, sha256.New)
	return km[:KeySize], km[KeySize:], nil
}

// FixedKey hashes secret into an AES-256 key. Only the legacy record format
// uses it.
func FixedKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// encryptCBC pads plaintext with PKCS#7 and encrypts it with AES-CBC.
func encryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// decryptCBC reverses encryptCBC and strips the padding.
func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errPadding
	}
	// constant-time check of the padding bytes
	var diff byte
	for _, b := range data[len(data)-n:] {
		diff |= b ^ byte(n)
	}
	if diff != 0 {
		return nil, errPadding
	}
	return data[:len(data)-n], nil
}

// zero overwrites key material once it is no longer needed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
