// Package license implements the license verifier of the license core.
//
// # Credential
//
// A license credential is issued offline by the holder of an RSA-2048
// private key:
//
//	base64( fingerprint "|" expire_date "|" product_name "|" base64(signature) )
//
// where the signature is RSASSA-PKCS1-v1_5 over SHA-256 of the first three
// fields joined by "|". The verifier only ever holds the public key.
//
// # Verification
//
// Manager.VerifyLicense runs, failing fast:
//
//	1. Format: decode and split into exactly four fields
//	2. Device binding: the fingerprint must equal this device's
//	3. Signature: always checked before the time based steps
//	4. Clock integrity: with no network time, the local clock may not be
//	   more than the rollback tolerance behind the last verification
//	5. Expiry: the license is valid through 23:59:59 of its expire date
//
// On success the credential and the verification time are persisted as a
// single encrypted record, replaced atomically. The stored time is the
// watermark used by step 4 on later runs. A damaged state file is treated
// as "not activated".
//
// # Usage
//
//	mgr, err := license.NewManager(license.Options{
//	    Store:        license.NewStateStore(paths.LicenseFile, codec, fm),
//	    PublicKey:    pub,
//	    MasterSecret: cfg.License.MasterSecret,
//	    Clock:        timesource.NewNTPSource(cfg.Time.Servers),
//	})
//	if err != nil {
//	    return err // ConfigurationMissing is fatal
//	}
//
//	d := mgr.VerifyLicense(ctx, code)
//	if !d.Valid {
//	    fmt.Println(d.Message)
//	}
package license
