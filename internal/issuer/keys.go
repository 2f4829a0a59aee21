package issuer

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"

	"licensecore/internal/files"
	"licensecore/internal/security"
)

// Default key file names, matching what the verifier build embeds.
const (
	PrivateKeyFile = "private_key.pem"
	PublicKeyFile  = "public_key.pem"
)

// GenerateKeyPair creates a signing key of the given size.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	key, err := security.GenerateSigningKey(bits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return key, nil
}

// WriteKeyPair stores key as PEM files in dir and returns their paths. The
// private key is readable by the owner only. Existing files are not
// overwritten unless force is set.
func WriteKeyPair(dir string, key *rsa.PrivateKey, force bool) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, PrivateKeyFile)
	pubPath = filepath.Join(dir, PublicKeyFile)

	if !force {
		for _, p := range []string{privPath, pubPath} {
			if _, err := os.Stat(p); err == nil {
				return "", "", fmt.Errorf("%s already exists", p)
			}
		}
	}

	pubPEM, err := security.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}
	if err := files.WriteFileAtomic(privPath, security.EncodePrivateKeyPEM(key), 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := files.WriteFileAtomic(pubPath, pubPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, pubPath, nil
}

// LoadPrivateKey reads a PEM private key from path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := security.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	if key.N.BitLen() < security.MinRSABits {
		return nil, fmt.Errorf("private key is %d bits, minimum is %d", key.N.BitLen(), security.MinRSABits)
	}
	return key, nil
}
