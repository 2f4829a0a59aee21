package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensecore/internal/activation"
	"licensecore/internal/audit"
	"licensecore/internal/config"
	apperrors "licensecore/internal/errors"
	"licensecore/internal/files"
	"licensecore/internal/infrastructure"
	"licensecore/internal/instance"
	"licensecore/internal/license"
	customMiddleware "licensecore/internal/middleware"
	"licensecore/internal/security"
	"licensecore/internal/services"
	"licensecore/internal/timesource"
	handlers "licensecore/internal/transport/http"
	"licensecore/pkg/contracts"
)

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Services      *ServiceContainer

	baseDir     string
	fingerprint security.FingerprintProvider
	clock       timesource.Source

	lock       *instance.Lock
	auditStore *audit.Store
	listener   net.Listener
	stopOnce   sync.Once
	stopErr    error
}

// ServiceContainer holds all application services
type ServiceContainer struct {
	License       *license.Manager
	Guard         *license.AttemptGuard
	LicenseHealth *license.LicenseHealthCheck
	Ledger        *activation.Ledger
	Client        *activation.Client

	LicenseService    services.LicenseService
	ActivationService *services.ActivationService
	Health            *services.HealthService
	Audit             audit.Recorder
}

// Option customizes an Application before its services are built.
type Option func(*Application)

// WithBaseDir resolves relative paths against dir instead of the executable
// directory.
func WithBaseDir(dir string) Option {
	return func(a *Application) { a.baseDir = dir }
}

// WithFingerprint replaces the platform fingerprint provider.
func WithFingerprint(fp security.FingerprintProvider) Option {
	return func(a *Application) { a.fingerprint = fp }
}

// WithClock replaces the network time source.
func WithClock(src timesource.Source) Option {
	return func(a *Application) { a.clock = src }
}

// WithLogger replaces the global logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.Logger = logger }
}

// NewApplication loads configuration from configPath (or the default
// locations when empty) and builds the application. A missing master secret
// or public key is reported with KindConfigurationMissing.
func NewApplication(configPath string, opts ...Option) (*Application, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadFile(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(cfg, opts...)
}

// New builds the application from an already loaded configuration.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	paths, err := config.ResolvePaths(cfg.Paths, a.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	a.Paths = paths

	if a.Logger == nil {
		logCfg := cfg.Logging
		if logCfg.FilePath != "" && !filepath.IsAbs(logCfg.FilePath) {
			logCfg.FilePath = filepath.Join(paths.LogsDir, filepath.Base(logCfg.FilePath))
		}
		logger, err := infrastructure.InitializeLogger(logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
	}

	a.Logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("product", cfg.License.ProductName))
	paths.LogPathResolution(a.Logger)

	lock, err := instance.Acquire(paths.LockFile)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	a.lock = lock

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry(cfg.Telemetry), a.Logger)
	if err != nil {
		a.releaseLock()
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = providers

	if err := a.initializeServices(context.Background()); err != nil {
		a.closeResources(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

// initializeServices initializes all application services
func (a *Application) initializeServices(ctx context.Context) error {
	cfg := a.Config

	recorder, store := OpenAudit(ctx, a.Paths.AuditDB, a.Logger)
	a.auditStore = store

	pemBytes, err := cfg.PublicKeyPEM()
	if err != nil {
		return apperrors.NewKindError(apperrors.KindConfigurationMissing, "license public key unavailable", err)
	}
	publicKey, err := security.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return apperrors.NewKindError(apperrors.KindConfigurationMissing, "license public key unparsable", err)
	}

	if a.clock == nil {
		a.clock = TimeSource(cfg, a.Logger)
	}
	if a.fingerprint == nil {
		a.fingerprint = security.NewFingerprintManager(config.AppName, a.Logger)
	}

	licenseMetrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}
	ledgerMetrics, err := activation.InitializeLedgerMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger metrics: %w", err)
	}

	licenseCodec, err := LicenseCodec(cfg)
	if err != nil {
		return err
	}
	fm := files.NewManager(a.Paths).WithLogger(a.Logger)

	manager, err := license.NewManager(license.Options{
		Store:             license.NewStateStore(a.Paths.LicenseFile, licenseCodec, fm),
		PublicKey:         publicKey,
		MasterSecret:      cfg.License.MasterSecret,
		Fingerprint:       a.fingerprint,
		Clock:             a.clock,
		RollbackTolerance: cfg.License.RollbackTolerance,
		Location:          time.Local,
		CacheTTL:          config.LicenseStatusCacheTTL,
		Logger:            a.Logger,
		Metrics:           licenseMetrics,
		Auditor:           recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}

	guard := license.NewAttemptGuard(cfg.Security.MaxAttempts, cfg.Security.AttemptWindow, cfg.Security.BlockDuration)
	licenseHealth := license.NewLicenseHealthCheck(manager, guard)

	ledger, err := OpenLedger(cfg, a.Paths, LedgerDeps{
		Clock:   a.clock,
		Metrics: ledgerMetrics,
		Auditor: recorder,
		Logger:  a.Logger,
	})
	if err != nil {
		guard.Stop()
		return fmt.Errorf("failed to initialize activation ledger: %w", err)
	}

	ledgerCodec, err := LedgerCodec(cfg)
	if err != nil {
		guard.Stop()
		return err
	}
	client := activation.NewClient(ledger, a.fingerprint, a.Paths.ActivationFile, ledgerCodec, fm, a.Logger)

	var sources services.SourceReporter
	if sr, ok := a.fingerprint.(services.SourceReporter); ok {
		sources = sr
	}

	a.Services = &ServiceContainer{
		License:        manager,
		Guard:          guard,
		LicenseHealth:  licenseHealth,
		Ledger:         ledger,
		Client:         client,
		LicenseService: services.NewLicenseService(manager, sources, a.Logger),
		ActivationService: services.NewActivationService(services.ActivationOptions{
			Ledger:              ledger,
			Client:              client,
			Fingerprint:         a.fingerprint,
			AdminEnabled:        cfg.Activation.AdminAPIEnabled,
			DefaultValidityDays: cfg.Activation.DefaultValidityDays,
			DefaultMaxUses:      cfg.Activation.DefaultMaxUses,
			Paths:               a.Paths,
			Logger:              a.Logger,
		}),
		Health: services.NewHealthService(contracts.Version, licenseHealth, ledger, a.Logger),
		Audit:  recorder,
	}
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	errorHandler := apperrors.NewErrorHandler(a.Logger, false)

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer → Timeout
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.getCORSConfig()))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		licenseValidator := customMiddleware.NewLicenseValidator(a.Services.License, a.Logger)
		licenseValidator.AddExcludePrefix("/api/activation")
		r.Use(licenseValidator.Handler)

		a.setupAPIRoutes(r, errorHandler)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle(config.MetricsEndpoint, a.OTelProviders.PrometheusHTTP)
	}

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router, errorHandler *apperrors.ErrorHandler) {
	validation := customMiddleware.NewValidationMiddleware(a.Logger, errorHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))
		r.Use(validation.ValidateRequest)

		healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Services.LicenseHealth.HTTPHandler(), a.Logger)
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/license", healthHandler.LicenseHealth)
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.Services.LicenseService, a.Services.Guard, errorHandler, validation, a.Logger)
		r.Mount("/license", licenseHandler.Routes())
		r.Get("/entitlement", licenseHandler.Entitlement)

		activationHandler := handlers.NewActivationHandler(
			a.Services.ActivationService,
			a.Services.Guard,
			a.Config.Activation.AdminToken,
			errorHandler,
			validation,
			a.Logger,
		)
		r.Mount("/activation", activationHandler.Routes())
	})
}

// getCORSConfig allows the local UI origin plus the configured origins.
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	port := strconv.Itoa(a.Config.Server.Port)
	origins := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
	}
	for _, o := range a.Config.Security.AllowedOrigins {
		if o != "" && !contains(origins, o) {
			origins = append(origins, o)
		}
	}

	a.Logger.Info("CORS configured", slog.Any("allowed_origins", origins))

	return customMiddleware.CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-ID",
			customMiddleware.AdminTokenHeader,
		},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port)),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start binds the listener and reports the stored license. It does not
// block; Serve handles connections.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings", slog.String("warnings", err.Error()))
	}

	d := a.Services.License.CachedDecision(ctx)
	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", "http://"+ln.Addr().String()),
		slog.String("license_status", string(d.Status)),
		slog.String("time_source", d.TimeSource),
		slog.Bool("admin_api", a.Config.Activation.AdminAPIEnabled))
	return nil
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.Server.Addr
}

// Serve accepts connections until Stop is called.
func (a *Application) Serve() error {
	if a.listener == nil {
		return errors.New("application not started")
	}
	if err := a.Server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the application. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.stopErr = fmt.Errorf("server shutdown error: %w", err)
		}
		a.closeResources(shutdownCtx)

		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return a.stopErr
}

// closeResources releases everything acquired by New.
func (a *Application) closeResources(ctx context.Context) {
	if a.Services != nil && a.Services.Guard != nil {
		a.Services.Guard.Stop()
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing audit trail", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
	a.releaseLock()
}

func (a *Application) releaseLock() {
	if a.lock == nil {
		return
	}
	if err := a.lock.Release(); err != nil {
		a.Logger.Error("Error releasing instance lock", slog.String("error", err.Error()))
	}
}

// Run starts the application and serves until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.closeResources(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.Serve)
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(context.Background(), "Received shutdown signal")
		return a.Stop(context.Background())
	})
	return g.Wait()
}

// performStartupHealthCheck verifies the data directories are writable.
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	var warnings []string

	directories := map[string]string{
		"Data":    a.Paths.DataDir,
		"Logs":    a.Paths.LogsDir,
		"License": filepath.Dir(a.Paths.LicenseFile),
	}
	for name, dir := range directories {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s directory not writable: %s", name, dir))
			continue
		}
		os.Remove(testFile)
	}

	if !config.FileExists(a.Paths.LicenseFile) {
		a.Logger.InfoContext(ctx, "License file not found, activation will be required",
			slog.String("path", a.Paths.LicenseFile))
	}
	if a.auditStore == nil {
		warnings = append(warnings, "audit trail disabled")
	}

	if len(warnings) > 0 {
		return fmt.Errorf("startup health check warnings: %s", strings.Join(warnings, "; "))
	}

	a.Logger.InfoContext(ctx, "Startup health check passed")
	return nil
}
