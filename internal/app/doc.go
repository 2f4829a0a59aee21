// Package app wires the license core into a runnable HTTP service.
//
// # Initialization Flow
//
// New performs, in order:
//
//  1. Validate the configuration. A missing master secret or public key is
//     reported as KindConfigurationMissing and must stop the process.
//  2. Resolve and create the data, log and export directories.
//  3. Initialize structured logging and OpenTelemetry.
//  4. Acquire the single-instance lock.
//  5. Open the audit trail, the license manager, the activation ledger and
//     the client activation record.
//  6. Build the chi router with middleware and handlers.
//
// # Usage
//
//	application, err := app.NewApplication("")
//	if err != nil {
//	    os.Exit(1)
//	}
//	if err := application.Run(ctx); err != nil {
//	    os.Exit(1)
//	}
//
// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then drains
// in-flight requests and releases the audit database, telemetry providers
// and the instance lock. The package never calls os.Exit.
//
// The helpers in components.go (LicenseCodec, LedgerCodec, OpenLedger,
// OpenAudit, TimeSource) are shared with the command line tools so that they
// read the same files the service writes.
package app
