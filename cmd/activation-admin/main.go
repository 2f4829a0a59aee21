// Command activation-admin manages the activation-code ledger of a local
// installation: issuing, inspecting, revoking and extending codes, exporting
// the ledger and repairing damaged entries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"licensecore/pkg/contracts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCommand assembles the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "activation-admin",
		Short:         "Manage activation codes",
		Version:       contracts.GetFullVersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.baseDir, "base-dir", "", "installation directory (defaults to the executable directory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")

	root.AddCommand(
		RunIssueCommand(opts),
		RunListCommand(opts),
		RunShowCommand(opts),
		RunRevokeCommand(opts),
		RunExtendCommand(opts),
		RunStatsCommand(opts),
		RunExportCommand(opts),
		RunRepairCommand(opts),
		RunAuditCommand(opts),
	)
	return root
}
