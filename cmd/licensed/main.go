package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"licensecore/internal/app"
	apperrors "licensecore/internal/errors"
	"licensecore/pkg/contracts"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to LICENSECORE_CONFIG, ./config.yaml or ./configs/config.yaml)")
	baseDir := flag.String("base-dir", "", "base directory for data and logs (defaults to the executable directory)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return
	}

	var opts []app.Option
	if *baseDir != "" {
		opts = append(opts, app.WithBaseDir(*baseDir))
	}

	application, err := app.NewApplication(*configPath, opts...)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConfigurationMissing) {
			fmt.Fprintf(os.Stderr, "licensed: %s\n", apperrors.UserMessage(apperrors.KindConfigurationMissing))
		}
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		application.Logger.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
