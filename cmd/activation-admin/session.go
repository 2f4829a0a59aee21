package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"licensecore/internal/activation"
	"licensecore/internal/app"
	"licensecore/internal/audit"
	"licensecore/internal/config"
	"licensecore/internal/infrastructure"
)

type rootOptions struct {
	configPath string
	baseDir    string
	logLevel   string
}

// session holds what a single command invocation works on.
type session struct {
	cfg    *config.Config
	paths  *config.Paths
	ledger *activation.Ledger
	audit  *audit.Store
	logger *slog.Logger
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(o.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	paths, err := config.ResolvePaths(cfg.Paths, o.baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	logger := infrastructure.NewLogger(cmd.ErrOrStderr(), o.logLevel).
		With(slog.String("command", cmd.Name()))

	recorder, store := app.OpenAudit(cmd.Context(), paths.AuditDB, logger)
	ledger, err := app.OpenLedger(cfg, paths, app.LedgerDeps{
		Clock:   app.TimeSource(cfg, logger),
		Auditor: recorder,
		Logger:  logger,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	return &session{cfg: cfg, paths: paths, ledger: ledger, audit: store, logger: logger}, nil
}

func (s *session) Close() error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Close()
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(opts *rootOptions, fn func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := opts.open(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd.Context(), cmd, s, args)
	}
}
