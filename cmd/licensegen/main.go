// Command licensegen creates signing keys and issues device-bound license
// credentials. It is a vendor tool and must never ship with the product.
//
//	licensegen genkey -out keys
//	licensegen issue -key keys/private_key.pem -fingerprint 8F3A-... -days 365
//	licensegen fingerprint
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"licensecore/internal/config"
	"licensecore/internal/files"
	"licensecore/internal/issuer"
	"licensecore/internal/security"
)

const usage = `usage: licensegen <command> [flags]

commands:
  genkey       generate an RSA signing key pair
  issue        sign a license credential for one device
  fingerprint  print this machine's device fingerprint
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "genkey":
		err = runGenKey(args[1:], stdout, stderr)
	case "issue":
		err = runIssue(args[1:], stdout, stderr)
	case "fingerprint":
		err = runFingerprint(stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "licensegen: unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "licensegen %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func runGenKey(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("genkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", ".", "directory for private_key.pem and public_key.pem")
	bits := fs.Int("bits", security.MinRSABits, "RSA modulus size")
	force := fs.Bool("force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := issuer.GenerateKeyPair(*bits)
	if err != nil {
		return err
	}
	privPath, pubPath, err := issuer.WriteKeyPair(*out, key, *force)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "private key: %s\npublic key:  %s\n", privPath, pubPath)
	return nil
}

func runIssue(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyPath := fs.String("key", issuer.PrivateKeyFile, "PEM private key")
	fingerprint := fs.String("fingerprint", "", "device fingerprint (32 hex characters, dashes optional)")
	days := fs.Int("days", 365, "validity in days from today")
	expires := fs.String("expires", "", "explicit expiry date YYYY-MM-DD (overrides -days)")
	product := fs.String("product", config.DefaultProductName, "product name")
	out := fs.String("out", "", "write the credential to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fingerprint == "" {
		return errors.New("-fingerprint is required")
	}

	key, err := issuer.LoadPrivateKey(*keyPath)
	if err != nil {
		return err
	}
	cred, token, err := issuer.New(key, *product).Issue(issuer.Request{
		Fingerprint: *fingerprint,
		Days:        *days,
		ExpireDate:  *expires,
	})
	if err != nil {
		return err
	}

	if *out == "" {
		fmt.Fprintln(stdout, token)
		return nil
	}
	if err := files.WriteFileAtomic(*out, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	fmt.Fprintf(stdout, "credential for %s expiring %s written to %s\n",
		security.FormatFingerprint(cred.DeviceFingerprint), cred.ExpireDate, *out)
	return nil
}

func runFingerprint(stdout io.Writer) error {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	fp := security.NewFingerprintManager(config.AppName, logger).Fingerprint()
	fmt.Fprintln(stdout, fp.String())
	return nil
}
