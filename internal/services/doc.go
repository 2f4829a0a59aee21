// Package services implements the business logic layer between the HTTP
// handlers and the license core. Handlers never touch the codec, the state
// store or the ledger file directly; they call a service, which calls the
// license manager or the activation ledger.
//
// # Available Services
//
//	- LicenseService: verifies, reports and removes the signed license
//	- ActivationService: redeems activation codes and administers the ledger
//	- HealthService: aggregates component health for /api/health
//
// # Error Handling
//
// Services return errors carrying an errors.Kind, or ErrAdminDisabled and
// ErrInvalidInput; transport maps them to RFC 7807 problem documents.
//
// # Testing
//
// Services are tested by mocking their collaborators:
//
//	m := new(mockLicenseManager)
//	m.On("VerifyLicense", mock.Anything, "code").Return(decision)
//	svc := NewLicenseService(m, logger)
package services
