// Package api contains the request and response contracts of the license
// core HTTP API. Version v1 represents the current stable API version.
package api

// License API Requests

// LicenseActivateRequest carries a signed license credential.
type LicenseActivateRequest struct {
	LicenseCode string `json:"license_code" validate:"required,min=16,max=4096"`
}

// Activation API Requests

// RedeemRequest redeems an activation code. DeviceID defaults to the
// fingerprint of the serving machine.
type RedeemRequest struct {
	Code     string `json:"code" validate:"required,activation_code"`
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,min=16,max=128"`
}

// IssueCodesRequest issues Count new activation codes. Zero fields take the
// configured defaults.
type IssueCodesRequest struct {
	Count        int `json:"count,omitempty" validate:"omitempty,min=1,max=1000"`
	ValidityDays int `json:"validity_days,omitempty" validate:"omitempty,min=1,max=36500"`
	MaxUses      int `json:"max_uses,omitempty" validate:"omitempty,min=1,max=100000"`
}

// ExtendCodeRequest prolongs an active code.
type ExtendCodeRequest struct {
	Days int `json:"days" validate:"required,min=1,max=36500"`
}

// ListCodesRequest filters the code listing.
type ListCodesRequest struct {
	Status string `json:"status" query:"status" validate:"omitempty,oneof=active expired revoked"`
	Search string `json:"search" query:"search" validate:"omitempty,max=32"`
}

// ExportCodesRequest writes the ledger to the exports directory. An empty
// FileName gets a timestamped default.
type ExportCodesRequest struct {
	Format   string `json:"format,omitempty" validate:"omitempty,oneof=csv xlsx"`
	FileName string `json:"file_name,omitempty" validate:"omitempty,max=128,excludesall=/\\"`
}
