// Package shared holds code used across licensecore packages that belongs to
// no single domain.
//
// The testutil subpackage provides what the package tests and the
// integration tests have in common:
//
//   - a process-wide RSA signing key and credential issuing helpers
//   - a configuration rooted in a temporary directory with network time off
//   - fixed device fingerprints
//   - a capturing slog handler with assertions, including one that fails
//     when a secret reaches the logs
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//		cfg, dir := testutil.Config(t)
//		paths := testutil.Paths(t, cfg, dir)
//		credential := testutil.IssueDays(t, testutil.DeviceA, 30)
//		logger, logs := testutil.NewTestLogger(t)
//		...
//		testutil.AssertNotLogged(t, logs, credential)
//	}
package shared
