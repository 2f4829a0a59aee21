package api

import "time"

// LicenseStatusResponse is the verifier's view of this installation.
type LicenseStatusResponse struct {
	Valid         bool      `json:"valid"`
	LicenseStatus string    `json:"license_status"` // licensed|unlicensed|rejected|verifying
	Kind          string    `json:"kind,omitempty"`
	Message       string    `json:"message"`
	ExpireDate    string    `json:"expire_date,omitempty"`
	DaysLeft      int       `json:"days_left"`
	TimeSource    string    `json:"time_source,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// LicenseInfoResponse mirrors GetActivationInfo plus the entitlement.
type LicenseInfoResponse struct {
	Activated        bool   `json:"activated"`
	ExpireDate       string `json:"expire_date,omitempty"`
	DaysLeft         int    `json:"days_left"`
	Message          string `json:"message"`
	EntitlementToken string `json:"entitlement_token,omitempty"`
	Factor           int    `json:"factor,omitempty"`
}

// FingerprintResponse reports the device fingerprint to send to the issuer.
type FingerprintResponse struct {
	Fingerprint string   `json:"fingerprint"`
	Compact     string   `json:"compact"`
	Sources     []string `json:"sources,omitempty"`
}

// ActivationCodeResponse is one ledger entry.
type ActivationCodeResponse struct {
	Code      string    `json:"code"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	UsedCount int       `json:"used_count"`
	Remaining int       `json:"remaining"`
	Devices   []string  `json:"devices"`
}

// RedeemResponse reports a redemption.
type RedeemResponse struct {
	Success      bool   `json:"success"`
	Code         string `json:"code"`
	AlreadyBound bool   `json:"already_bound"`
	Message      string `json:"message"`
}

// ClientActivationResponse reports the stored client-side redemption.
type ClientActivationResponse struct {
	Activated   bool       `json:"activated"`
	Code        string     `json:"code,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Message     string     `json:"message"`
}

// LedgerStatsResponse summarizes the ledger.
type LedgerStatsResponse struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Used    int `json:"used"`
	Damaged int `json:"damaged"`
}

// ExportResponse reports a written ledger export.
type ExportResponse struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Rows   int    `json:"rows"`
}
