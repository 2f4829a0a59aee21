package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"licensecore/internal/activation"
	"licensecore/internal/audit"
	"licensecore/internal/exporter"
)

func RunIssueCommand(opts *rootOptions) *cobra.Command {
	var count, days, maxUses int

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue new activation codes",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of codes to issue")
	cmd.Flags().IntVar(&days, "days", 0, "validity in days (defaults to activation.default_validity_days)")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "devices per code (defaults to activation.default_max_uses)")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		if days == 0 {
			days = s.cfg.Activation.DefaultValidityDays
		}
		if maxUses == 0 {
			maxUses = s.cfg.Activation.DefaultMaxUses
		}

		codes, err := s.ledger.IssueBatch(ctx, count, days, maxUses)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, c := range codes {
			fmt.Fprintln(out, c.Code)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Issued %s for %s, expiring %s\n",
			plural(len(codes), "code"), plural(maxUses, "device"), codes[0].ExpiresAt.Format(time.DateOnly))
		return nil
	})
	return cmd
}

func RunListCommand(opts *rootOptions) *cobra.Command {
	var (
		status, search string
		limit          int
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activation codes",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&status, "status", "", "only codes with this status (active, expired, revoked)")
	cmd.Flags().StringVarP(&search, "search", "s", "", "fuzzy match against the code")
	cmd.Flags().IntVar(&limit, "limit", 0, "show at most this many codes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		st, err := parseStatus(status)
		if err != nil {
			return err
		}
		codes, err := s.ledger.List(ctx)
		if err != nil {
			return err
		}
		codes = activation.Filter{Status: st, Search: search}.Apply(codes)
		if limit > 0 && len(codes) > limit {
			codes = codes[:limit]
		}

		if asJSON {
			return writeJSON(cmd, codes)
		}
		if len(codes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No activation codes found")
			return nil
		}
		return printCodeTable(cmd.OutOrStdout(), codes, time.Now())
	})
	return cmd
}

func RunShowCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show CODE",
		Short: "Show one activation code",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		c, err := s.ledger.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd, c)
		}
		printCode(cmd.OutOrStdout(), c, time.Now())
		return nil
	})
	return cmd
}

func RunRevokeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke CODE",
		Short: "Permanently disable an activation code",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
			if err := s.ledger.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Activation code %s revoked\n", args[0])
			return nil
		}),
	}
}

func RunExtendCommand(opts *rootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "extend CODE",
		Short: "Push back the expiry of an active code",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to add")
	_ = cmd.MarkFlagRequired("days")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		c, err := s.ledger.Extend(ctx, args[0], days)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Activation code %s now expires %s\n", c.Code, c.ExpiresAt.Format(time.DateOnly))
		return nil
	})
	return cmd
}

func RunStatsCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the ledger",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		stats, err := s.ledger.Stats(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd, stats)
		}
		printStats(cmd.OutOrStdout(), s.ledger.Path(), stats)
		return nil
	})
	return cmd
}

func RunExportCommand(opts *rootOptions) *cobra.Command {
	var format, status, search string

	cmd := &cobra.Command{
		Use:   "export [FILE]",
		Short: "Write the ledger to a CSV or XLSX file",
		Long: "Write the ledger to a CSV or XLSX file. Relative paths are placed in the exports " +
			"directory; without FILE a timestamped name is used.",
		Args: cobra.MaximumNArgs(1),
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "csv or xlsx (defaults to the file extension, then csv)")
	cmd.Flags().StringVar(&status, "status", "", "only codes with this status")
	cmd.Flags().StringVarP(&search, "search", "s", "", "fuzzy match against the code")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		f, err := exporter.ParseFormat(format)
		if err != nil {
			return err
		}
		st, err := parseStatus(status)
		if err != nil {
			return err
		}

		file := exporter.DefaultFileName(time.Now(), f)
		if len(args) == 1 {
			file = args[0]
		}

		codes, err := s.ledger.List(ctx)
		if err != nil {
			return err
		}
		codes = activation.Filter{Status: st, Search: search}.Apply(codes)

		path, err := exporter.ExportLedger(s.paths, codes, file, f)
		if err != nil {
			return err
		}

		size := int64(0)
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s (%s)\n", plural(len(codes), "code"), path, formatBytes(size))
		return nil
	})
	return cmd
}

func RunRepairCommand(opts *rootOptions) *cobra.Command {
	var importPlaintext bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Drop undecodable ledger entries after backing up the file",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&importPlaintext, "import-plaintext", false, "re-seal unencrypted entries from earlier releases instead of removing them")
	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		report, err := s.ledger.Repair(ctx, activation.RepairOptions{ImportPlaintext: importPlaintext})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if report.BackupPath == "" {
			fmt.Fprintf(out, "Ledger is healthy, %s kept\n", plural(report.Kept, "code"))
			return nil
		}
		fmt.Fprintf(out, "Backup written to %s\n", report.BackupPath)
		for _, key := range report.Imported {
			fmt.Fprintf(out, "imported %s\n", key)
		}
		for _, key := range report.Removed {
			fmt.Fprintf(out, "removed %s\n", key)
		}
		fmt.Fprintf(out, "Removed %s, kept %s\n", plural(len(report.Removed), "entry"), plural(report.Kept, "code"))
		return nil
	})
	return cmd
}

func RunAuditCommand(opts *rootOptions) *cobra.Command {
	var (
		action string
		since  time.Duration
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&action, "action", "", "only this action, e.g. activation.redeem")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.RunE = withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		if s.audit == nil {
			return errors.New("audit trail is unavailable")
		}
		f := audit.Filter{Action: action, Limit: limit}
		if since > 0 {
			f.Since = time.Now().Add(-since)
		}
		events, err := s.audit.Query(ctx, f)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit events found")
			return nil
		}
		return printEvents(cmd.OutOrStdout(), events, time.Now())
	})
	return cmd
}

func parseStatus(s string) (activation.Status, error) {
	switch st := activation.Status(s); st {
	case "", activation.StatusActive, activation.StatusExpired, activation.StatusRevoked:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q (want active, expired or revoked)", s)
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
