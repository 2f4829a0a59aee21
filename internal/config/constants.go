package config

import "time"

// Application constants
const (
	AppName    = "licensecore"
	AppVersion = "1.0.0"

	DefaultProductName = "TikuSoft"

	LicenseFileName    = "license.lic"
	LedgerFileName     = "activations.json"
	ActivationFileName = "activation.dat"
	AuditDBFileName    = "audit.db"
	LockFileName       = "licensecore.lock"

	// ActivationCodePattern is the canonical activation code shape.
	ActivationCodePattern = "^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$"

	DefaultRollbackTolerance = 10 * time.Minute
	DefaultNTPServerTimeout  = 1500 * time.Millisecond

	MaxActivationAttempts   = 5
	ActivationAttemptWindow = 15 * time.Minute
	ActivationBlockDuration = 15 * time.Minute

	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40

	LicenseStatusCacheTTL = 30 * time.Second

	HealthEndpoint  = "/api/health"
	MetricsEndpoint = "/metrics"
)

// DefaultNTPServers are queried in order until one answers.
var DefaultNTPServers = []string{"ntp.aliyun.com", "ntp.tencent.com", "pool.ntp.org"}
