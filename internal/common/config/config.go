// Package config provides configuration management for the storage service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"asisaid.cn/unistore/internal/storage"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Storage storage.BackendConfig `mapstructure:"storage"`
	Limits  LimitsConfig          `mapstructure:"limits"`
	Catalog CatalogConfig         `mapstructure:"catalog"`
	Logger  LoggerConfig          `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr     string        `mapstructure:"http_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Multipart parts larger than this are spooled to disk.
	StreamThreshold int64 `mapstructure:"stream_threshold"`
}

// LimitsConfig holds rate limiting, batching and retry settings.
type LimitsConfig struct {
	RateWindow      time.Duration `mapstructure:"rate_window"`
	RateMax         int           `mapstructure:"rate_max"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	DriverCacheSize int           `mapstructure:"driver_cache_size"`
}

// CatalogConfig holds upload catalog configuration.
type CatalogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Output      string `mapstructure:"output"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			StreamThreshold: 32 << 20,
		},
		Storage: storage.BackendConfig{
			Kind:        storage.KindLocal,
			LocalPath:   "./data/storage",
			BaseURL:     storage.DefaultLocalBaseURL,
			URLExpiry:   storage.DefaultURLExpiry,
			MaxFileSize: storage.DefaultMaxFileSize,
		},
		Limits: LimitsConfig{
			RateWindow:      time.Minute,
			RateMax:         100,
			MaxConcurrent:   10,
			RetryAttempts:   3,
			RetryBaseDelay:  time.Second,
			RetryMaxDelay:   10 * time.Second,
			DriverCacheSize: 100,
		},
		Catalog: CatalogConfig{
			Enabled: true,
			Path:    "./data/catalog",
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			Development: false,
		},
	}
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("UNISTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range credentialKeys {
		_ = v.BindEnv("storage.credentials." + key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// An empty credentials block means the ambient chain.
	if cfg.Storage.Credentials != nil && *cfg.Storage.Credentials == (storage.Credentials{}) {
		cfg.Storage.Credentials = nil
	}

	cfg.Storage = cfg.Storage.Normalized()
	if err := cfg.Storage.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	return &cfg, nil
}

// credentialKeys have no defaults, so their env vars are bound explicitly.
var credentialKeys = []string{
	"access_key_id",
	"secret_access_key",
	"session_token",
	"service_account_email",
	"private_key",
	"credentials_file",
}

// setDefaults sets default values in Viper.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.http_addr", defaults.Server.HTTPAddr)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.stream_threshold", defaults.Server.StreamThreshold)

	// Storage defaults
	v.SetDefault("storage.backend", string(defaults.Storage.Kind))
	v.SetDefault("storage.path", defaults.Storage.LocalPath)
	v.SetDefault("storage.base_url", defaults.Storage.BaseURL)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.force_path_style", false)
	v.SetDefault("storage.default_folder", "")
	v.SetDefault("storage.url_expiry", defaults.Storage.URLExpiry)
	v.SetDefault("storage.max_file_size", defaults.Storage.MaxFileSize)
	v.SetDefault("storage.allowed_content_types", []string{})

	// Limits defaults
	v.SetDefault("limits.rate_window", defaults.Limits.RateWindow)
	v.SetDefault("limits.rate_max", defaults.Limits.RateMax)
	v.SetDefault("limits.max_concurrent", defaults.Limits.MaxConcurrent)
	v.SetDefault("limits.retry_attempts", defaults.Limits.RetryAttempts)
	v.SetDefault("limits.retry_base_delay", defaults.Limits.RetryBaseDelay)
	v.SetDefault("limits.retry_max_delay", defaults.Limits.RetryMaxDelay)
	v.SetDefault("limits.driver_cache_size", defaults.Limits.DriverCacheSize)

	// Catalog defaults
	v.SetDefault("catalog.enabled", defaults.Catalog.Enabled)
	v.SetDefault("catalog.path", defaults.Catalog.Path)

	// Logger defaults
	v.SetDefault("logger.level", defaults.Logger.Level)
	v.SetDefault("logger.format", defaults.Logger.Format)
	v.SetDefault("logger.output", defaults.Logger.Output)
	v.SetDefault("logger.development", defaults.Logger.Development)
}
