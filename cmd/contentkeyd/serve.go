package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-content-key-service/internal/certcache"
	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/keymodule"
	"github.com/tinywideclouds/go-content-key-service/internal/licensehttp"
	"github.com/tinywideclouds/go-content-key-service/internal/metrics"
	"github.com/tinywideclouds/go-content-key-service/internal/notify"
	"github.com/tinywideclouds/go-content-key-service/internal/session"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/filesystem"
	fs "github.com/tinywideclouds/go-content-key-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/keyservice"
	"github.com/tinywideclouds/go-content-key-service/keyservice/config"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

//go:embed local.yaml
var configFile []byte

func newServeCmd() *cobra.Command {
	var configPath string
	var envFiles []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the content key HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, envFiles)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (defaults to the embedded local config)")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files loaded before environment overrides")
	return cmd
}

func serve(ctx context.Context, configPath string, envFiles []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// --- 1. Load Configuration ---
	if err := config.LoadDotEnv(logger, envFiles...); err != nil {
		return err
	}
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.RunMode != "local" {
		logger = logger.Level(zerolog.InfoLevel)
	}
	logger.Info().Str("run_mode", cfg.RunMode).Str("store", cfg.Store.Backend).Msg("Configuration loaded")

	// --- 2. Dependency Injection ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sessions, closeDeps, err := newDependencies(ctx, cfg, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize core dependencies: %w", err)
	}
	defer closeDeps()

	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication middleware: %w", err)
	}

	// --- 3. Create Service Instance ---
	service := keyservice.New(cfg, sessions, authMiddleware, logger, keyservice.Options{
		Gatherer:       reg,
		RequestTimeout: cfg.License.Timeout,
	})

	// --- 4. Start Service and Handle Shutdown ---
	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.HTTPListenAddr).Msg("Starting service...")
		if startErr := service.Start(); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
			errChan <- startErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		service.StopSessions()
		return fmt.Errorf("service failed: %w", err)
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("OS signal received, initiating shutdown.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if shutdownErr := service.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error().Err(shutdownErr).Msg("Service shutdown failed")
		} else {
			logger.Info().Msg("Service shutdown complete")
		}
		service.StopSessions()
	}
	return nil
}

func loadConfig(path string, logger zerolog.Logger) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path, logger)
	}
	baseCfg, err := config.ParseYaml(configFile, logger)
	if err != nil {
		return nil, err
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}

// newDependencies builds the store, the license client and the session
// manager. The returned func releases what they hold.
func newDependencies(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger zerolog.Logger) (*session.Manager, func(), error) {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	license, err := licensehttp.New(licensehttp.Config{
		LicenseURL:        cfg.License.URL,
		CertificateBase64: cfg.License.CertificateBase64,
		CertificateURL:    cfg.License.CertificateURL,
		JWTSecret:         cfg.JWTSecret,
		RateLimit:         cfg.License.RateLimit,
		Burst:             cfg.License.Burst,
		Timeout:           cfg.License.Timeout,
	}, nil, logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to create license client: %w", err)
	}

	policy, err := engine.ParseUpdatePolicy(cfg.Engine.UpdatePolicy)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	notifier := notify.NewBroadcaster()
	notifier.Subscribe(notify.NewLog(logger))

	sessions := session.NewManager(session.Options{
		Store:           store,
		License:         license,
		Module:          keymodule.New(),
		Notifier:        notifier,
		Certificates:    certcache.New(license, cfg.Engine.CertificateTTL, logger),
		UpdatePolicy:    policy,
		RenewalInterval: cfg.Engine.RenewalInterval,
		Metrics:         metrics.New(reg),
	}, logger)
	return sessions, closeStore, nil
}

func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (contentkey.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("Using in-memory key store, persisted keys are lost on exit")
		return inmemory.New(), func() {}, nil
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Firestore client for project %s: %w", cfg.ProjectID, err)
		}
		logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.Store.FirestoreCollection).Msg("Using Firestore key store")
		closeFn := func() {
			if err := fsClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Firestore client")
			}
		}
		return fs.NewFirestoreStore(fsClient, cfg.Store.FirestoreCollection, logger), closeFn, nil
	default:
		logger.Info().Str("dir", cfg.Store.Dir).Msg("Using filesystem key store")
		return filesystem.New(cfg.Store.Dir, logger), func() {}, nil
	}
}

// newAuthMiddleware creates the JWT-validating middleware. Local runs without
// an identity service are left unauthenticated.
func newAuthMiddleware(cfg *config.Config, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	sanitizedIdentityURL := strings.Trim(cfg.IdentityServiceURL, "\"")
	if sanitizedIdentityURL == "" {
		if cfg.RunMode != "local" {
			return nil, errors.New("identity service URL is required outside local run mode")
		}
		logger.Warn().Msg("No identity service configured, API is unauthenticated")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(sanitizedIdentityURL, "RS256", logger)
	if err != nil {
		logger.Warn().Err(err).Msg("JWT configuration validation failed")
	} else {
		logger.Info().Msg("VERIFIED JWKS CONFIG")
	}

	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}
	return authMiddleware, nil
}
