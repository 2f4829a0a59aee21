package app

import (
	"context"
	"fmt"
	"log/slog"

	"licensecore/internal/activation"
	"licensecore/internal/audit"
	"licensecore/internal/config"
	"licensecore/internal/files"
	"licensecore/internal/security"
	"licensecore/internal/timesource"
)

// LicenseCodec returns the codec for the license state file. Records sealed
// with the legacy fixed-key scheme stay readable when a legacy secret is
// configured, and untagged salted records when license.legacy_untagged is
// set. New records are always tagged.
func LicenseCodec(cfg *config.Config) (security.Codec, error) {
	primary, err := security.NewCodec(cfg.License.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("license codec: %w", err)
	}
	legacy, err := legacyCodecs(cfg)
	if err != nil {
		return nil, fmt.Errorf("legacy license codec: %w", err)
	}
	if len(legacy) == 0 {
		return primary, nil
	}
	return &security.FallbackCodec{Primary: primary, Legacy: legacy}, nil
}

// LedgerCodec returns the codec for the activation ledger and the client
// activation record. A configured legacy key lets entries written by
// earlier releases be read and re-sealed.
func LedgerCodec(cfg *config.Config) (security.Codec, error) {
	primary, err := security.NewCodec(cfg.License.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("ledger codec: %w", err)
	}

	var legacy []security.Codec
	if cfg.Activation.LegacyKey != "" {
		raw, err := security.NewRawKeyCodec([]byte(cfg.Activation.LegacyKey))
		if err != nil {
			return nil, fmt.Errorf("legacy ledger key: %w", err)
		}
		legacy = append(legacy, raw)
	}
	rest, err := legacyCodecs(cfg)
	if err != nil {
		return nil, fmt.Errorf("legacy ledger codec: %w", err)
	}
	legacy = append(legacy, rest...)
	if len(legacy) == 0 {
		return primary, nil
	}
	return &security.FallbackCodec{Primary: primary, Legacy: legacy}, nil
}

func legacyCodecs(cfg *config.Config) ([]security.Codec, error) {
	var legacy []security.Codec
	if cfg.License.LegacyUntagged {
		untagged, err := security.NewUntaggedSaltedCodec(cfg.License.MasterSecret)
		if err != nil {
			return nil, err
		}
		legacy = append(legacy, untagged)
	}
	if cfg.License.LegacySecret != "" {
		fixed, err := security.NewFixedKeyCodec(cfg.License.LegacySecret)
		if err != nil {
			return nil, err
		}
		legacy = append(legacy, fixed)
	}
	return legacy, nil
}

// TimeSource returns the network time source, or the local clock when
// network time is disabled.
func TimeSource(cfg *config.Config, logger *slog.Logger) timesource.Source {
	if !cfg.Time.Enabled {
		return timesource.LocalClock{}
	}
	return timesource.NewNTPSource(cfg.Time.Servers,
		timesource.WithTimeout(cfg.Time.ServerTimeout),
		timesource.WithLogger(logger))
}

// LedgerDeps are the optional collaborators of OpenLedger.
type LedgerDeps struct {
	Clock   timesource.Source
	Metrics *activation.LedgerMetrics
	Auditor audit.Recorder
	Logger  *slog.Logger
}

// OpenLedger builds the activation ledger over paths.LedgerFile.
func OpenLedger(cfg *config.Config, paths *config.Paths, deps LedgerDeps) (*activation.Ledger, error) {
	codec, err := LedgerCodec(cfg)
	if err != nil {
		return nil, err
	}
	fm := files.NewManager(paths).WithLogger(deps.Logger)
	store := activation.NewStore(paths.LedgerFile, codec, fm)
	return activation.NewLedger(activation.Options{
		Store:   store,
		Clock:   deps.Clock,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
		Auditor: deps.Auditor,
	})
}

// OpenAudit opens the audit trail. A failure is logged and yields a no-op
// recorder so that licensing keeps working without it.
func OpenAudit(ctx context.Context, path string, logger *slog.Logger) (audit.Recorder, *audit.Store) {
	store, err := audit.Open(ctx, path, logger)
	if err != nil {
		logger.WarnContext(ctx, "audit trail unavailable",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return audit.Nop{}, nil
	}
	return store, store
}
