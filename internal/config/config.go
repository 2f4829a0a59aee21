package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	apperrors "licensecore/internal/errors"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "LICENSECORE"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Paths      PathsConfig      `yaml:"paths" envconfig:"PATHS"`
	License    LicenseConfig    `yaml:"license" envconfig:"LICENSE"`
	Time       TimeConfig       `yaml:"time" envconfig:"TIME"`
	Activation ActivationConfig `yaml:"activation" envconfig:"ACTIVATION"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains request throttling and attempt blocking settings
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	MaxAttempts    int             `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	AttemptWindow  time.Duration   `yaml:"attempt_window" envconfig:"ATTEMPT_WINDOW"`
	BlockDuration  time.Duration   `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
	// MaxSizeMB and MaxBackups control rotation of the log file.
	MaxSizeMB  int `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
}

// PathsConfig contains file system locations. Relative entries are resolved
// against DataDir, and a relative DataDir against the executable directory.
type PathsConfig struct {
	DataDir        string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LicenseFile    string `yaml:"license_file" envconfig:"LICENSE_FILE"`
	LedgerFile     string `yaml:"ledger_file" envconfig:"LEDGER_FILE"`
	ActivationFile string `yaml:"activation_file" envconfig:"ACTIVATION_FILE"`
	AuditDB        string `yaml:"audit_db" envconfig:"AUDIT_DB"`
	LockFile       string `yaml:"lock_file" envconfig:"LOCK_FILE"`
	LogsDir        string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// LicenseConfig holds the verifier's trust anchors
type LicenseConfig struct {
	ProductName       string        `yaml:"product_name" envconfig:"PRODUCT_NAME"`
	MasterSecret      string        `yaml:"master_secret" envconfig:"MASTER_SECRET"`
	PublicKeyFile     string        `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	LegacySecret      string        `yaml:"legacy_secret" envconfig:"LEGACY_SECRET"`
	LegacyUntagged    bool          `yaml:"legacy_untagged" envconfig:"LEGACY_UNTAGGED"`
	RollbackTolerance time.Duration `yaml:"rollback_tolerance" envconfig:"ROLLBACK_TOLERANCE"`
}

// TimeConfig configures the network time collaborator
type TimeConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED"`
	Servers       []string      `yaml:"servers" envconfig:"SERVERS"`
	ServerTimeout time.Duration `yaml:"server_timeout" envconfig:"SERVER_TIMEOUT"`
}

// ActivationConfig configures the activation-code ledger
type ActivationConfig struct {
	AdminAPIEnabled     bool   `yaml:"admin_api_enabled" envconfig:"ADMIN_API_ENABLED"`
	AdminToken          string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	DefaultValidityDays int    `yaml:"default_validity_days" envconfig:"DEFAULT_VALIDITY_DAYS"`
	DefaultMaxUses      int    `yaml:"default_max_uses" envconfig:"DEFAULT_MAX_USES"`
	// LegacyKey is the 32-character ledger key of an earlier installation.
	LegacyKey string `yaml:"legacy_key" envconfig:"LEGACY_KEY"`
}

// TelemetryConfig toggles OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool   `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
}

// Load builds the configuration from defaults, an optional YAML file, and
// LICENSECORE_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if cfg.License.MasterSecret == "" {
		cfg.License.MasterSecret = BuildMasterSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg. Keys absent from the file keep
// their current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the configuration. A missing trust anchor is reported as
// ConfigurationMissing, which callers treat as fatal.
func (c *Config) Validate() error {
	if c.License.MasterSecret == "" {
		return apperrors.NewKindError(apperrors.KindConfigurationMissing,
			"license master secret is not set ("+EnvPrefix+"_LICENSE_MASTER_SECRET)", nil)
	}
	if _, err := c.PublicKeyPEM(); err != nil {
		return apperrors.NewKindError(apperrors.KindConfigurationMissing, "license public key unavailable", err)
	}
	if c.License.ProductName == "" {
		return apperrors.NewConfigError("license product name must not be empty", nil)
	}
	if c.License.RollbackTolerance < 0 {
		return apperrors.NewConfigError("rollback tolerance must not be negative", nil)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperrors.NewConfigError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return apperrors.NewConfigError("server timeouts must be positive", nil)
	}

	if c.Time.Enabled && len(c.Time.Servers) == 0 {
		return apperrors.NewConfigError("network time enabled without servers", nil)
	}
	if c.Time.ServerTimeout <= 0 {
		c.Time.ServerTimeout = DefaultNTPServerTimeout
	}

	if c.Activation.DefaultValidityDays < 1 || c.Activation.DefaultMaxUses < 1 {
		return apperrors.NewConfigError("activation defaults must be at least 1", nil)
	}
	if c.Activation.AdminAPIEnabled && c.Activation.AdminToken == "" {
		return apperrors.NewConfigError("admin API enabled without "+EnvPrefix+"_ACTIVATION_ADMIN_TOKEN", nil)
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	return nil
}

// PublicKeyPEM returns the verifier's RSA public key, preferring the
// configured file over the embedded key.
func (c *Config) PublicKeyPEM() ([]byte, error) {
	if c.License.PublicKeyFile == "" {
		if len(embeddedPublicKeyPEM) == 0 {
			return nil, fmt.Errorf("no embedded public key")
		}
		return embeddedPublicKeyPEM, nil
	}
	data, err := os.ReadFile(c.License.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return data, nil
}

func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8089,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8089"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimitRPS,
				Burst:   DefaultRateLimitBurst,
			},
			MaxAttempts:   MaxActivationAttempts,
			AttemptWindow: ActivationAttemptWindow,
			BlockDuration: ActivationBlockDuration,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			FilePath:   "logs/licensecore.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Paths: PathsConfig{
			LicenseFile:    LicenseFileName,
			LedgerFile:     LedgerFileName,
			ActivationFile: ActivationFileName,
			AuditDB:        AuditDBFileName,
			LockFile:       LockFileName,
			LogsDir:        "logs",
		},
		License: LicenseConfig{
			ProductName:       DefaultProductName,
			RollbackTolerance: DefaultRollbackTolerance,
		},
		Time: TimeConfig{
			Enabled:       true,
			Servers:       append([]string(nil), DefaultNTPServers...),
			ServerTimeout: DefaultNTPServerTimeout,
		},
		Activation: ActivationConfig{
			DefaultValidityDays: 365,
			DefaultMaxUses:      1,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			MetricsEnabled: true,
		},
	}
}
