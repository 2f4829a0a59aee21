package activation

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"licensecore/internal/security"
)

// Status is the lifecycle state of an activation code. Revoked is terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeGroups   = 4
	groupLength  = 4
	codeLength   = codeGroups * groupLength
)

// Code is one ledger entry.
type Code struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	UsedCount int       `json:"used_count"`
	Devices   []string  `json:"devices"`
	Status    Status    `json:"status"`
}

// IsBound reports whether device has already redeemed the code.
func (c *Code) IsBound(device string) bool {
	device = canonicalDevice(device)
	for _, d := range c.Devices {
		if canonicalDevice(d) == device {
			return true
		}
	}
	return false
}

// Remaining is the number of devices that can still redeem the code.
func (c *Code) Remaining() int {
	if n := c.MaxUses - c.UsedCount; n > 0 {
		return n
	}
	return 0
}

// ExpiredAt reports whether the code's validity has lapsed at now.
func (c *Code) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Code) bind(device string) {
	c.Devices = append(c.Devices, canonicalDevice(device))
	sort.Strings(c.Devices)
	c.UsedCount = len(c.Devices)
}

func (c Code) clone() Code {
	c.Devices = append([]string(nil), c.Devices...)
	return c
}

// wireCode accepts both the current field names and the created/expires
// names with naive local timestamps used by earlier releases.
type wireCode struct {
	Code      string   `json:"code"`
	CreatedAt string   `json:"created_at"`
	ExpiresAt string   `json:"expires_at"`
	Created   string   `json:"created"`
	Expires   string   `json:"expires"`
	MaxUses   *int     `json:"max_uses"`
	UsedCount int      `json:"used_count"`
	Devices   []string `json:"devices"`
	Status    Status   `json:"status"`
}

// UnmarshalJSON implements json.Unmarshaler
func (c *Code) UnmarshalJSON(data []byte) error {
	var w wireCode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	created, expires := w.CreatedAt, w.ExpiresAt
	if created == "" {
		created = w.Created
	}
	if expires == "" {
		expires = w.Expires
	}
	expiresAt, err := parseTimestamp(expires)
	if err != nil {
		return fmt.Errorf("expires: %w", err)
	}
	createdAt, _ := parseTimestamp(created)

	*c = Code{
		Code:      w.Code,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		MaxUses:   1,
		Status:    w.Status,
	}
	if w.MaxUses != nil {
		c.MaxUses = *w.MaxUses
	}
	if c.Status == "" {
		c.Status = StatusActive
	}

	seen := make(map[string]bool, len(w.Devices))
	for _, d := range w.Devices {
		d = canonicalDevice(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		c.Devices = append(c.Devices, d)
	}
	sort.Strings(c.Devices)
	c.UsedCount = len(c.Devices)
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// NormalizeCode accepts a code with or without dashes and in any case, and
// returns the canonical AAAA-BBBB-CCCC-DDDD form.
func NormalizeCode(s string) (string, bool) {
	compact := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(s)))
	if len(compact) != codeLength {
		return "", false
	}
	for _, r := range compact {
		if !strings.ContainsRune(codeAlphabet, r) {
			return "", false
		}
	}
	return formatCode(compact), true
}

func formatCode(compact string) string {
	groups := make([]string, 0, codeGroups)
	for i := 0; i < len(compact); i += groupLength {
		groups = append(groups, compact[i:i+groupLength])
	}
	return strings.Join(groups, "-")
}

// GenerateCode draws a code uniformly over the alphabet from r.
func GenerateCode(r io.Reader) (string, error) {
	const limit = 256 - 256%len(codeAlphabet)

	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength)
	for len(out) < codeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return formatCode(string(out)), nil
}

// canonicalDevice returns the grouped uppercase form of a fingerprint, or
// the trimmed input when it is not one.
func canonicalDevice(s string) string {
	s = strings.TrimSpace(s)
	if compact, ok := security.NormalizeFingerprint(s); ok {
		return security.FormatFingerprint(compact).String()
	}
	return s
}
