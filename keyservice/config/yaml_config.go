package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"
)

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	RunMode            string `yaml:"run_mode"`
	ProjectID          string `yaml:"project_id"`
	HTTPListenAddr     string `yaml:"http_listen_addr"`
	IdentityServiceURL string `yaml:"identity_service_url"`
	Cors               struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		Role           string   `yaml:"cors_role"`
	} `yaml:"cors"`
	Store struct {
		Backend             string `yaml:"backend"`
		Dir                 string `yaml:"dir"`
		FirestoreCollection string `yaml:"firestore_collection"`
	} `yaml:"store"`
	License struct {
		URL               string        `yaml:"url"`
		CertificateURL    string        `yaml:"certificate_url"`
		CertificateBase64 string        `yaml:"certificate_base64"`
		RateLimit         float64       `yaml:"rate_limit"`
		Burst             int           `yaml:"burst"`
		Timeout           time.Duration `yaml:"timeout"`
	} `yaml:"license"`
	Engine struct {
		UpdatePolicy    string        `yaml:"update_policy"`
		RenewalInterval time.Duration `yaml:"renewal_interval"`
		CertificateTTL  time.Duration `yaml:"certificate_ttl"`
	} `yaml:"engine"`
}

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base Config struct.
// Stage 1 complete: The Config struct now exists, but without environment overrides.
func NewConfigFromYaml(baseCfg *YamlConfig, logger zerolog.Logger) (*Config, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	role := middleware.CorsRoleDefault
	if baseCfg.Cors.Role != "" {
		role = middleware.CorsRole(baseCfg.Cors.Role)
	}
	backend := baseCfg.Store.Backend
	if backend == "" {
		backend = BackendFilesystem
	}

	cfg := &Config{
		RunMode:            baseCfg.RunMode,
		ProjectID:          baseCfg.ProjectID,
		HTTPListenAddr:     baseCfg.HTTPListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		Store: StoreConfig{
			Backend:             backend,
			Dir:                 baseCfg.Store.Dir,
			FirestoreCollection: baseCfg.Store.FirestoreCollection,
		},
		License: LicenseConfig{
			URL:               baseCfg.License.URL,
			CertificateURL:    baseCfg.License.CertificateURL,
			CertificateBase64: baseCfg.License.CertificateBase64,
			RateLimit:         baseCfg.License.RateLimit,
			Burst:             baseCfg.License.Burst,
			Timeout:           baseCfg.License.Timeout,
		},
		Engine: EngineConfig{
			UpdatePolicy:    baseCfg.Engine.UpdatePolicy,
			RenewalInterval: baseCfg.Engine.RenewalInterval,
			CertificateTTL:  baseCfg.Engine.CertificateTTL,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.Cors.AllowedOrigins,
			Role:           role,
		},
	}
	// Note: JWTSecret is intentionally left blank here, as it's an override/injection point (Stage 2)

	logger.Debug().
		Str("run_mode", cfg.RunMode).
		Str("http_listen_addr", cfg.HTTPListenAddr).
		Str("store_backend", cfg.Store.Backend).
		Str("license_url", cfg.License.URL).
		Strs("cors_origins", cfg.CorsConfig.AllowedOrigins).
		Msg("YAML config mapping complete")

	return cfg, nil
}

// ParseYaml runs Stage 1 over raw YAML bytes.
func ParseYaml(data []byte, logger zerolog.Logger) (*Config, error) {
	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		logger.Error().Err(err).Msg("Failed to parse YAML config")
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return NewConfigFromYaml(&yamlCfg, logger)
}

// LoadFromFile reads a YAML file and then applies both configuration stages.
func LoadFromFile(path string, logger zerolog.Logger) (*Config, error) {
	logger.Debug().Str("path", path).Msg("Loading config from file")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to read config file")
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg, err := ParseYaml(data, logger)
	if err != nil {
		return nil, err
	}
	return UpdateConfigWithEnvOverrides(cfg, logger)
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(logger zerolog.Logger, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
		logger.Debug().Str("path", f).Msg("Loaded env file")
	}
	return nil
}
