package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// EnvPrefix namespaces environment overrides (CONTENTKEY_LICENSE_URL, ...).
// Fields tagged with a well-known name such as JWT_SECRET are also read
// without the prefix.
const EnvPrefix = "CONTENTKEY"

// Store backends.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendFirestore  = "firestore"
)

// StoreConfig selects and configures the persisted key store.
type StoreConfig struct {
	Backend             string `validate:"required,oneof=filesystem memory firestore"`
	Dir                 string `validate:"required_if=Backend filesystem"`
	FirestoreCollection string `validate:"required_if=Backend firestore"`
}

// LicenseConfig describes the remote license service.
type LicenseConfig struct {
	URL               string        `validate:"required,url"`
	CertificateURL    string        `validate:"omitempty,url"`
	CertificateBase64 string        `validate:"omitempty,base64"`
	RateLimit         float64       `validate:"gte=0"`
	Burst             int           `validate:"gte=0"`
	Timeout           time.Duration
}

// EngineConfig tunes key acquisition.
type EngineConfig struct {
	UpdatePolicy    string        `validate:"omitempty,oneof=overwrite acknowledge"`
	RenewalInterval time.Duration `validate:"gte=0"`
	CertificateTTL  time.Duration `validate:"gte=0"`
}

// Config defines the *single*, authoritative configuration for the content
// key service. It is created in two stages:
// 1. Loaded from YAML (see NewConfigFromYaml).
// 2. Updated with environment variables (see UpdateConfigWithEnvOverrides).
type Config struct {
	RunMode            string
	ProjectID          string `validate:"required_if=Store.Backend firestore"`
	HTTPListenAddr     string `validate:"required"`
	IdentityServiceURL string `validate:"omitempty,url"`

	Store   StoreConfig
	License LicenseConfig
	Engine  EngineConfig

	// CorsConfig is the processed, ready-to-use middleware config.
	CorsConfig middleware.CorsConfig `validate:"-"`

	// JWTSecret is populated from the "JWT_SECRET" env var and signs the
	// bearer token sent to the license service.
	JWTSecret string `validate:"required"`
}

// envOverrides lists every value the environment may override. Unset
// variables leave the YAML value in place.
type envOverrides struct {
	ProjectID          string         `envconfig:"GCP_PROJECT_ID"`
	HTTPListenAddr     string         `envconfig:"HTTP_LISTEN_ADDR"`
	IdentityServiceURL string         `envconfig:"IDENTITY_SERVICE_URL"`
	JWTSecret          string         `envconfig:"JWT_SECRET"`
	StoreBackend       string         `envconfig:"STORE_BACKEND"`
	StoreDir           string         `envconfig:"STORE_DIR"`
	LicenseURL         string         `envconfig:"LICENSE_URL"`
	CertificateURL     string         `envconfig:"CERTIFICATE_URL"`
	CertificateBase64  string         `envconfig:"CERTIFICATE_BASE64"`
	UpdatePolicy       string         `envconfig:"UPDATE_POLICY"`
	RenewalInterval    *time.Duration `envconfig:"RENEWAL_INTERVAL"`
	RateLimit          *float64       `envconfig:"LICENSE_RATE_LIMIT"`
}

var validate = validator.New()

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This creates the final "Stage 2" runtime configuration.
func UpdateConfigWithEnvOverrides(cfg *Config, logger zerolog.Logger) (*Config, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		logger.Error().Err(err).Msg("Failed to read environment overrides")
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	override := func(key, value string, dst *string) {
		if value == "" {
			return
		}
		logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
		*dst = value
	}
	override("GCP_PROJECT_ID", env.ProjectID, &cfg.ProjectID)
	override("HTTP_LISTEN_ADDR", env.HTTPListenAddr, &cfg.HTTPListenAddr)
	override("IDENTITY_SERVICE_URL", env.IdentityServiceURL, &cfg.IdentityServiceURL)
	override("STORE_BACKEND", env.StoreBackend, &cfg.Store.Backend)
	override("STORE_DIR", env.StoreDir, &cfg.Store.Dir)
	override("LICENSE_URL", env.LicenseURL, &cfg.License.URL)
	override("CERTIFICATE_URL", env.CertificateURL, &cfg.License.CertificateURL)
	override("CERTIFICATE_BASE64", env.CertificateBase64, &cfg.License.CertificateBase64)
	override("UPDATE_POLICY", env.UpdatePolicy, &cfg.Engine.UpdatePolicy)
	// JWT Secret is exclusively environment-sourced
	if env.JWTSecret != "" {
		logger.Debug().Str("key", "JWT_SECRET").Str("source", "env").Msg("Loaded config value")
		cfg.JWTSecret = env.JWTSecret
	}
	if env.RenewalInterval != nil {
		cfg.Engine.RenewalInterval = *env.RenewalInterval
	}
	if env.RateLimit != nil {
		cfg.License.RateLimit = *env.RateLimit
	}

	if cfg.JWTSecret == "" {
		logger.Error().Str("error", "JWT_SECRET is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("JWT_SECRET environment variable is not set or is empty")
	}
	if err := Validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

// Validate checks the struct constraints of cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %d field(s) failed validation: %w", len(verrs), err)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
