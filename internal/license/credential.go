package license

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "licensecore/internal/errors"
	"licensecore/internal/security"
)

// DateLayout is the expire_date layout of a credential.
const DateLayout = "2006-01-02"

// credentialSeparator joins the credential fields.
const credentialSeparator = "|"

// Credential is a decoded license credential. The raw field values are kept
// as issued, because the signature covers them byte for byte.
type Credential struct {
	DeviceFingerprint string
	ExpireDate        string
	ProductName       string
	Signature         []byte

	expiry time.Time
}

// ParseCredential decodes the wire form
// base64(fingerprint|expire_date|product_name|base64(signature)).
// Surrounding whitespace and missing base64 padding are tolerated. Every
// failure is reported as InvalidFormat.
func ParseCredential(code string) (*Credential, error) {
	raw, err := decodeTolerant(code)
	if err != nil {
		return nil, apperrors.NewKindError(apperrors.KindInvalidFormat, "credential is not base64", err)
	}
	if !utf8.Valid(raw) {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "credential is not UTF-8 text")
	}

	fields := strings.Split(string(raw), credentialSeparator)
	if len(fields) != 4 {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "credential has %d fields, want 4", len(fields))
	}

	if _, ok := security.NormalizeFingerprint(fields[0]); !ok {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "credential fingerprint is not 32 hex characters")
	}

	expiry, err := time.Parse(DateLayout, fields[1])
	if err != nil {
		return nil, apperrors.NewKindError(apperrors.KindInvalidFormat, "credential expire date is not YYYY-MM-DD", err)
	}

	if fields[2] == "" {
		return nil, apperrors.Newf(apperrors.KindInvalidFormat, "credential product name is empty")
	}

	sig, err := decodeTolerant(fields[3])
	if err != nil || len(sig) == 0 {
		return nil, apperrors.NewKindError(apperrors.KindInvalidFormat, "credential signature is not base64", err)
	}

	return &Credential{
		DeviceFingerprint: fields[0],
		ExpireDate:        fields[1],
		ProductName:       fields[2],
		Signature:         sig,
		expiry:            expiry,
	}, nil
}

// SignedPayload returns the bytes the issuer signed.
func (c *Credential) SignedPayload() []byte {
	return SignedPayload(c.DeviceFingerprint, c.ExpireDate, c.ProductName)
}

// SignedPayload joins the signed fields.
func SignedPayload(fingerprint, expireDate, productName string) []byte {
	return []byte(fingerprint + credentialSeparator + expireDate + credentialSeparator + productName)
}

// Encode returns the wire form of c.
func (c *Credential) Encode() string {
	inner := string(c.SignedPayload()) + credentialSeparator + base64.StdEncoding.EncodeToString(c.Signature)
	return base64.StdEncoding.EncodeToString([]byte(inner))
}

// MatchesDevice reports whether the credential is bound to fp, ignoring case
// and grouping.
func (c *Credential) MatchesDevice(fp security.DeviceFingerprint) bool {
	want, ok := security.NormalizeFingerprint(c.DeviceFingerprint)
	if !ok {
		return false
	}
	got, ok := security.NormalizeFingerprint(fp.String())
	return ok && security.SecureCompare([]byte(want), []byte(got))
}

// EndOfDay returns the last second of the expire date in loc.
func (c *Credential) EndOfDay(loc *time.Location) time.Time {
	return EndOfDay(c.expiry, loc)
}

// EndOfDay returns 23:59:59 of day's calendar date in loc.
func EndOfDay(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}

func decodeTolerant(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if missing := len(s) % 4; missing != 0 {
		s += strings.Repeat("=", 4-missing)
	}
	return base64.StdEncoding.DecodeString(s)
}
