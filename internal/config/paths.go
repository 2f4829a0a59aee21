package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains every resolved file location used by the license core.
type Paths struct {
	ExecutableDir  string
	DataDir        string
	LogsDir        string
	ExportsDir     string
	LicenseFile    string
	LedgerFile     string
	ActivationFile string
	AuditDB        string
	LockFile       string
}

// ExecutableDir returns the directory holding the running binary with
// symlinks resolved.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}
	return filepath.Dir(exe), nil
}

// ResolvePaths resolves cfg against baseDir. When baseDir is empty the
// executable directory is used, so the data follows the installation rather
// than the current working directory.
func ResolvePaths(cfg PathsConfig, baseDir string) (*Paths, error) {
	if baseDir == "" {
		dir, err := ExecutableDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = baseDir
	} else if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(baseDir, dataDir)
	}

	under := func(dir, p, fallback string) string {
		if p == "" {
			p = fallback
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	return &Paths{
		ExecutableDir:  baseDir,
		DataDir:        dataDir,
		LogsDir:        under(baseDir, cfg.LogsDir, "logs"),
		ExportsDir:     filepath.Join(dataDir, "exports"),
		LicenseFile:    under(dataDir, cfg.LicenseFile, LicenseFileName),
		LedgerFile:     under(dataDir, cfg.LedgerFile, LedgerFileName),
		ActivationFile: under(dataDir, cfg.ActivationFile, ActivationFileName),
		AuditDB:        under(dataDir, cfg.AuditDB, AuditDBFileName),
		LockFile:       under(dataDir, cfg.LockFile, LockFileName),
	}, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.DataDir,
		p.LogsDir,
		filepath.Dir(p.LicenseFile),
		filepath.Dir(p.LedgerFile),
		filepath.Dir(p.AuditDB),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetExportPath returns the path for a ledger export file
func (p *Paths) GetExportPath(filename string) string {
	return filepath.Join(p.ExportsDir, filename)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// LogPathResolution logs the resolved layout at startup
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("executable", p.ExecutableDir),
			slog.String("data", p.DataDir),
			slog.String("logs", p.LogsDir),
		),
		slog.Group("files",
			slog.String("license", p.LicenseFile),
			slog.Bool("license_exists", FileExists(p.LicenseFile)),
			slog.String("ledger", p.LedgerFile),
			slog.String("activation", p.ActivationFile),
			slog.String("audit_db", p.AuditDB),
		))
}
