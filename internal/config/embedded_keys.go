package config

import (
	_ "embed"
)

// embeddedPublicKeyPEM is the RSA public key shipped with the binary. Vendors
// replace keys/license_public.pem with the key produced by `licensegen genkey`.
//
//go:embed keys/license_public.pem
var embeddedPublicKeyPEM []byte

// BuildMasterSecret can be injected at build time:
//
//	go build -ldflags "-X licensecore/internal/config.BuildMasterSecret=..."
//
// The environment variable LICENSECORE_LICENSE_MASTER_SECRET takes precedence.
var BuildMasterSecret string

// EmbeddedPublicKey returns a copy of the built-in verification key.
func EmbeddedPublicKey() []byte {
	return append([]byte(nil), embeddedPublicKeyPEM...)
}
