// Package config provides configuration management for the Sonde hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Secret      SecretConfig      `mapstructure:"secret"`
	Enrollment  EnrollmentConfig  `mapstructure:"enrollment"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	Integration IntegrationConfig `mapstructure:"integration"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig holds HTTP server configuration for /ws/agent, /ws/dashboard
// and /healthz. The MCP tool endpoints run on a separate server with its own
// port.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite persistence configuration (§5: a single
// SQLite database is the persistent store).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SecretConfig holds the hub-wide at-rest encryption configuration (§5,
// §4.3). RootKey is read from SONDE_SECRET; when empty, the hub logs a
// warning at startup and encrypts credential and CA storage with a random
// root key generated once and kept in a local key file.
type SecretConfig struct {
	RootKey string `mapstructure:"rootKey"`
}

// EnrollmentConfig holds enrollment-token defaults.
type EnrollmentConfig struct {
	DefaultTokenTTL int `mapstructure:"defaultTokenTtl"` // in seconds
}

// ProbeConfig holds ProbeRouter defaults (§4.5).
type ProbeConfig struct {
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`
	CacheTTLMs       int `mapstructure:"cacheTtlMs"`
}

// IntegrationConfig holds IntegrationExecutor defaults (§4.6, §5).
type IntegrationConfig struct {
	DefaultConcurrency int `mapstructure:"defaultConcurrency"`
}

// AuditConfig holds audit retention sweep configuration (§4.11 supplement).
type AuditConfig struct {
	RetentionCount int    `mapstructure:"retentionCount"` // 0 = unbounded, sweep disabled
	RetentionCron  string `mapstructure:"retentionCron"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPConfig holds MCP tool-surface hosting configuration.
type MCPConfig struct {
	SSEPath        string `mapstructure:"ssePath"`
	StreamablePath string `mapstructure:"streamablePath"`
}

// EventsConfig holds the optional NATS fan-out configuration for
// agent-presence events (§4.2/§5). URL is empty by default: the hub runs
// with dashboard-observer broadcast only until an operator opts into the
// wider pub/sub fan-out by configuring a NATS URL.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SONDE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", "./sonde.db")

	v.SetDefault("secret.rootKey", "")

	v.SetDefault("enrollment.defaultTokenTtl", 3600)

	v.SetDefault("probe.defaultTimeoutMs", 30000)
	v.SetDefault("probe.cacheTtlMs", 10000)

	v.SetDefault("integration.defaultConcurrency", 8)

	v.SetDefault("audit.retentionCount", 0)
	v.SetDefault("audit.retentionCron", "0 3 * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("mcp.ssePath", "/sse")
	v.SetDefault("mcp.streamablePath", "/mcp")

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "sonde-hub")
	v.SetDefault("events.maxReconnects", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SONDE_ with snake_case naming, plus
// the explicit bare aliases named in SPEC_FULL.md §6 (PORT, HOST,
// SONDE_SECRET, SONDE_DB_PATH).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SONDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare aliases named explicitly in the external-interfaces contract.
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.host", "HOST")
	_ = v.BindEnv("secret.rootKey", "SONDE_SECRET")
	_ = v.BindEnv("database.path", "SONDE_DB_PATH")
	_ = v.BindEnv("logging.level", "SONDE_LOG_LEVEL")
	_ = v.BindEnv("events.natsUrl", "SONDE_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sonde/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path must be set")
	}
	if cfg.Probe.DefaultTimeoutMs <= 0 {
		errs = append(errs, "probe.defaultTimeoutMs must be positive")
	}
	if cfg.Integration.DefaultConcurrency <= 0 {
		errs = append(errs, "integration.defaultConcurrency must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
