// Package config holds portprobe's configuration model. Values start from
// Default, are overlaid by a YAML file and finally by flags and PORTPROBE_*
// environment variables through viper.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	// EnvPrefix prefixes every environment variable viper consults.
	EnvPrefix = "PORTPROBE"
)

// Config represents the complete portprobe configuration
type Config struct {
	Scanning ScanningConfig `yaml:"scanning" json:"scanning" mapstructure:"scanning"`
	API      APIConfig      `yaml:"api" json:"api" mapstructure:"api"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// ScanningConfig holds scan engine settings
type ScanningConfig struct {
	// Maximum outstanding connection attempts per scan, 0 for unbounded
	Concurrency int `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency"`

	// Per-attempt connect timeout, 0 for the platform default
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`

	// Largest number of ports a single request may cover
	MaxRange int `yaml:"max_range" json:"max_range" mapstructure:"max_range"`

	// Resolve the host once before fan-out
	ResolveHost bool `yaml:"resolve_host" json:"resolve_host" mapstructure:"resolve_host"`

	// Number of scans the API runs at the same time
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans" mapstructure:"max_concurrent_scans"`

	// Number of API scans that may wait for a worker
	QueueSize int `yaml:"queue_size" json:"queue_size" mapstructure:"queue_size"`

	// How long shutdown waits for running scans
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	Port         int           `yaml:"port" json:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" mapstructure:"max_request_size"`

	// Take the client address from X-Forwarded-For / X-Real-IP
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`

	// Require an API key on every /api/v1 route except liveness
	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled" mapstructure:"auth_enabled"`

	// bcrypt hashes produced by `portprobe apikey hash`
	APIKeyHashes []string `yaml:"api_key_hashes" json:"-" mapstructure:"api_key_hashes"`

	CORS      CORSConfig      `yaml:"cors" json:"cors" mapstructure:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers" mapstructure:"allowed_headers"`
}

// RateLimitConfig holds per-client request rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst" mapstructure:"burst"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" mapstructure:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" mapstructure:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" mapstructure:"output"`

	// Log every API request
	RequestLogging bool `yaml:"request_logging" json:"request_logging" mapstructure:"request_logging"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Path           string        `yaml:"path" json:"path" mapstructure:"path"`
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval" mapstructure:"update_interval"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Concurrency:        1024,
			ConnectTimeout:     0,
			MaxRange:           65535,
			ResolveHost:        true,
			MaxConcurrentScans: 4,
			QueueSize:          64,
			ShutdownTimeout:    30 * time.Second,
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stderr",
			RequestLogging: true,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			UpdateInterval: 15 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFilePermission, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SetDefaults registers every configuration key with its default on v so
// that environment variables and flags can override any of them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("scanning.concurrency", d.Scanning.Concurrency)
	v.SetDefault("scanning.connect_timeout", d.Scanning.ConnectTimeout)
	v.SetDefault("scanning.max_range", d.Scanning.MaxRange)
	v.SetDefault("scanning.resolve_host", d.Scanning.ResolveHost)
	v.SetDefault("scanning.max_concurrent_scans", d.Scanning.MaxConcurrentScans)
	v.SetDefault("scanning.queue_size", d.Scanning.QueueSize)
	v.SetDefault("scanning.shutdown_timeout", d.Scanning.ShutdownTimeout)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", d.API.IdleTimeout)
	v.SetDefault("api.max_request_size", d.API.MaxRequestSize)
	v.SetDefault("api.trust_proxy_headers", d.API.TrustProxyHeaders)
	v.SetDefault("api.auth_enabled", d.API.AuthEnabled)
	v.SetDefault("api.api_key_hashes", d.API.APIKeyHashes)
	v.SetDefault("api.cors.enabled", d.API.CORS.Enabled)
	v.SetDefault("api.cors.allowed_origins", d.API.CORS.AllowedOrigins)
	v.SetDefault("api.cors.allowed_methods", d.API.CORS.AllowedMethods)
	v.SetDefault("api.cors.allowed_headers", d.API.CORS.AllowedHeaders)
	v.SetDefault("api.rate_limit.enabled", d.API.RateLimit.Enabled)
	v.SetDefault("api.rate_limit.requests_per_second", d.API.RateLimit.RequestsPerSecond)
	v.SetDefault("api.rate_limit.burst", d.API.RateLimit.Burst)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.request_logging", d.Logging.RequestLogging)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.update_interval", d.Metrics.UpdateInterval)
}

// ConfigureEnv makes v consult PORTPROBE_SECTION_KEY environment variables.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper builds a validated Config from everything v knows about.
func FromViper(v *viper.Viper) (*Config, error) {
	config := Default()
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to decode configuration", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Save saves configuration to a YAML file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeDirectoryCreate, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return errors.WrapConfigError(errors.CodeFilePermission, "failed to write config file", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	s := c.Scanning
	if s.Concurrency < 0 {
		return errors.ErrConfigInvalid("scanning.concurrency", s.Concurrency)
	}
	if s.ConnectTimeout < 0 {
		return errors.ErrConfigInvalid("scanning.connect_timeout", s.ConnectTimeout)
	}
	if s.MaxRange < 1 || s.MaxRange > 65535 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"max range must be between 1 and 65535", "scanning.max_range", s.MaxRange)
	}
	if s.MaxConcurrentScans <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"max concurrent scans must be positive", "scanning.max_concurrent_scans", s.MaxConcurrentScans)
	}
	if s.QueueSize <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"queue size must be positive", "scanning.queue_size", s.QueueSize)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"API port must be between 1 and 65535", "api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
		if c.API.AuthEnabled && len(c.API.APIKeyHashes) == 0 {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"authentication enabled but no API key hashes configured", "api.api_key_hashes", nil)
		}
		if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0) {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"rate limit needs positive requests_per_second and burst", "api.rate_limit", c.API.RateLimit)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.ErrConfigInvalid("metrics.path", c.Metrics.Path)
	}

	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}

// LoggerConfig converts the logging section into a logging.Config.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(strings.ToLower(c.Logging.Level)),
		Format:    logging.LogFormat(strings.ToLower(c.Logging.Format)),
		Output:    c.Logging.Output,
		AddSource: strings.EqualFold(c.Logging.Level, "debug"),
	}
}
