package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Kind classifies every failure the license core can report.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidFormat         Kind = "invalid_format"
	KindDeviceMismatch        Kind = "device_mismatch"
	KindSignatureInvalid      Kind = "signature_invalid"
	KindClockRollbackDetected Kind = "clock_rollback_detected"
	KindExpired               Kind = "expired"
	KindRevoked               Kind = "revoked"
	KindQuotaExceeded         Kind = "quota_exceeded"
	KindDecryptionFailure     Kind = "decryption_failure"
	KindConfigurationMissing  Kind = "configuration_missing"
	KindStorageFailure        Kind = "storage_failure"
)

// Sentinel errors, one per kind. LicenseError values match them with errors.Is.
var (
	ErrInvalidFormat         = errors.New("invalid format")
	ErrDeviceMismatch        = errors.New("device mismatch")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrClockRollbackDetected = errors.New("clock rollback detected")
	ErrExpired               = errors.New("expired")
	ErrRevoked               = errors.New("revoked")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrDecryptionFailure     = errors.New("decryption failure")
	ErrConfigurationMissing  = errors.New("configuration missing")
	ErrStorageFailure        = errors.New("storage failure")
)

var kindSentinels = map[Kind]error{
	KindInvalidFormat:         ErrInvalidFormat,
	KindDeviceMismatch:        ErrDeviceMismatch,
	KindSignatureInvalid:      ErrSignatureInvalid,
	KindClockRollbackDetected: ErrClockRollbackDetected,
	KindExpired:               ErrExpired,
	KindRevoked:               ErrRevoked,
	KindQuotaExceeded:         ErrQuotaExceeded,
	KindDecryptionFailure:     ErrDecryptionFailure,
	KindConfigurationMissing:  ErrConfigurationMissing,
	KindStorageFailure:        ErrStorageFailure,
}

// Kinds lists every failure kind in evaluation order.
func Kinds() []Kind {
	return []Kind{
		KindInvalidFormat,
		KindDeviceMismatch,
		KindSignatureInvalid,
		KindClockRollbackDetected,
		KindExpired,
		KindRevoked,
		KindQuotaExceeded,
		KindDecryptionFailure,
		KindConfigurationMissing,
		KindStorageFailure,
	}
}

// Sentinel returns the sentinel error for k, or nil for KindNone.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// Fatal reports whether the kind must stop the process instead of degrading
// to an unlicensed result.
func (k Kind) Fatal() bool {
	return k == KindConfigurationMissing
}

// LicenseError carries a Kind plus the underlying cause.
type LicenseError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface
func (e *LicenseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *LicenseError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *LicenseError) Is(target error) bool {
	if s := e.Kind.Sentinel(); s != nil && target == s {
		return true
	}
	if t, ok := target.(*LicenseError); ok {
		return t.Kind == e.Kind
	}
	return false
}

// NewKindError creates a LicenseError of the given kind.
func NewKindError(kind Kind, message string, cause error) *LicenseError {
	return &LicenseError{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a LicenseError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *LicenseError {
	return &LicenseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err. Plain sentinels are recognised too.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var le *LicenseError
	if errors.As(err, &le) {
		return le.Kind
	}
	for _, k := range Kinds() {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return KindNone
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

var userMessages = map[Kind]string{
	KindNone:                  "Not activated",
	KindInvalidFormat:         "The activation code format is invalid",
	KindDeviceMismatch:        "The activation code belongs to a different machine",
	KindSignatureInvalid:      "Signature verification failed",
	KindClockRollbackDetected: "System clock anomaly detected, please correct the system time",
	KindExpired:               "The license has expired",
	KindRevoked:               "The activation code has been revoked",
	KindQuotaExceeded:         "The activation code has reached its device limit",
	KindDecryptionFailure:     "Stored activation data is damaged",
	KindConfigurationMissing:  "Licensing is not configured on this installation",
	KindStorageFailure:        "The license could not be saved on this computer",
}

// UserMessage returns the message shown to the end user for a failure kind.
func UserMessage(k Kind) string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[KindNone]
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

type kindProblem struct {
	status int
	ptype  string
	title  string
}

var kindProblems = map[Kind]kindProblem{
	KindInvalidFormat:         {http.StatusBadRequest, TypeLicenseInvalidFormat, "Invalid Format"},
	KindDeviceMismatch:        {http.StatusForbidden, TypeLicenseMismatch, "Device Mismatch"},
	KindSignatureInvalid:      {http.StatusForbidden, TypeLicenseSignature, "Signature Invalid"},
	KindClockRollbackDetected: {http.StatusForbidden, TypeClockRollback, "Clock Rollback Detected"},
	KindExpired:               {http.StatusForbidden, TypeLicenseExpired, "Expired"},
	KindRevoked:               {http.StatusGone, TypeActivationRevoked, "Activation Code Revoked"},
	KindQuotaExceeded:         {http.StatusConflict, TypeActivationQuota, "Activation Quota Exceeded"},
	KindDecryptionFailure:     {http.StatusUnprocessableEntity, TypeDataCorrupted, "Stored Data Corrupted"},
	KindConfigurationMissing:  {http.StatusServiceUnavailable, TypeServiceDown, "Licensing Not Configured"},
	KindStorageFailure:        {http.StatusInternalServerError, TypeStorageFailure, "License Not Persisted"},
}

// NewKindProblem builds the problem document for a failure kind.
func NewKindProblem(k Kind, instance, traceID string) *ProblemDetails {
	kp, ok := kindProblems[k]
	if !ok {
		kp = kindProblem{http.StatusInternalServerError, TypeInternal, "Internal Server Error"}
	}
	problem := NewProblemDetails(kp.status, kp.ptype, kp.title, UserMessage(k), instance)
	problem.WithExtension("error_kind", string(k))
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}
