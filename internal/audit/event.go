// Package audit keeps a local trail of license decisions and activation
// ledger mutations in a SQLite database.
//
// Subjects are never stored in the clear: license credentials and
// activation codes are recorded through Subject, which keeps only a short
// hash prefix, and devices through their truncated fingerprint.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Actions recorded by the license core.
const (
	ActionLicenseVerify     = "license.verify"
	ActionLicenseDeactivate = "license.deactivate"
	ActionActivationIssue   = "activation.issue"
	ActionActivationRedeem  = "activation.redeem"
	ActionActivationRevoke  = "activation.revoke"
	ActionActivationExtend  = "activation.extend"
	ActionActivationRepair  = "activation.repair"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Event is one audit trail entry.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Device    string    `json:"device,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder
func (Nop) Record(context.Context, Event) error { return nil }

// Subject returns a stable, non-reversible handle for a credential or code.
func Subject(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}
