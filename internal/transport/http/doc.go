// Package http implements the HTTP surface of the license core. Handlers are
// thin: they decode and validate a request, call a service from
// internal/services, and render the result with chi/render.
//
// # Routes
//
//	GET    /api/license/status              cached verification decision
//	POST   /api/license/activate            verify and persist a credential
//	GET    /api/license/info                activation summary and entitlement
//	DELETE /api/license                     remove the persisted license
//	GET    /api/license/fingerprint         device fingerprint for the issuer
//	POST   /api/activation/redeem           redeem an activation code
//	GET    /api/activation/status           client-side redemption record
//	GET    /api/entitlement                 entitlement, licensed installations only
//	GET    /api/license/metrics             activation attempt counters
//	GET    /api/health/license              license health check
//	GET    /api/version                     build information
//	GET    /api/health                      aggregated health
//	GET    /metrics                         Prometheus exposition
//
// The /api/activation/codes, /api/activation/stats and /api/activation/export
// routes are mounted only when the admin API is enabled and require the
// X-Admin-Token header.
//
// # Error Handling
//
// Every failure is answered with an RFC 7807 problem document built by
// internal/errors. Verification and redemption failures carry their kind in
// the error_kind member:
//
//	{
//	    "type": "/errors/activation/quota-exceeded",
//	    "title": "Activation Quota Exceeded",
//	    "status": 409,
//	    "detail": "The activation code has reached its device limit",
//	    "error_kind": "quota_exceeded",
//	    "trace_id": "3f0c..."
//	}
//
// # Testing
//
// Handlers are tested with httptest against testify mocks of the service
// interfaces.
package http
