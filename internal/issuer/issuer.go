// Package issuer signs license credentials offline. It is the counterpart
// of the verifier in package license and is only built into the vendor's
// tools, never into the product.
package issuer

import (
	"crypto/rsa"
	"strings"
	"time"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/license"
	"licensecore/internal/security"
)

// MaxValidityDays bounds a credential's lifetime.
const MaxValidityDays = 36500

// Request describes one credential. Exactly one of Days or ExpireDate is
// normally set; ExpireDate wins when both are.
type Request struct {
	Fingerprint string
	Days        int
	ExpireDate  string
	Product     string
}

// Issuer signs credentials with a private key.
type Issuer struct {
	key     *rsa.PrivateKey
	product string
	now     func() time.Time
}

// New creates an issuer. product is used when a request leaves it empty.
func New(key *rsa.PrivateKey, product string) *Issuer {
	return &Issuer{key: key, product: product, now: time.Now}
}

// Issue validates req and returns the signed credential and its wire form.
func (i *Issuer) Issue(req Request) (*license.Credential, string, error) {
	if i.key == nil {
		return nil, "", apperrors.NewKindError(apperrors.KindConfigurationMissing, "no signing key loaded", nil)
	}

	fp, ok := security.NormalizeFingerprint(req.Fingerprint)
	if !ok {
		return nil, "", apperrors.Newf(apperrors.KindInvalidFormat, "device fingerprint must be 32 hex characters")
	}

	product := strings.TrimSpace(req.Product)
	if product == "" {
		product = i.product
	}
	if product == "" || strings.Contains(product, "|") {
		return nil, "", apperrors.Newf(apperrors.KindInvalidFormat, "product name must be non-empty and must not contain '|'")
	}

	expire, err := i.expireDate(req)
	if err != nil {
		return nil, "", err
	}

	cred := &license.Credential{
		DeviceFingerprint: fp,
		ExpireDate:        expire,
		ProductName:       product,
	}
	sig, err := security.Sign(i.key, cred.SignedPayload())
	if err != nil {
		return nil, "", err
	}
	cred.Signature = sig
	return cred, cred.Encode(), nil
}

func (i *Issuer) expireDate(req Request) (string, error) {
	if req.ExpireDate != "" {
		if _, err := time.Parse(license.DateLayout, req.ExpireDate); err != nil {
			return "", apperrors.NewKindError(apperrors.KindInvalidFormat, "expire date must be YYYY-MM-DD", err)
		}
		return req.ExpireDate, nil
	}
	if req.Days < 1 || req.Days > MaxValidityDays {
		return "", apperrors.Newf(apperrors.KindInvalidFormat, "validity must be between 1 and %d days, got %d", MaxValidityDays, req.Days)
	}
	return i.now().AddDate(0, 0, req.Days).Format(license.DateLayout), nil
}
