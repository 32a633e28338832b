// Package config provides configuration management for DevPulse.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the DevPulse server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
	Webhooks  WebhookConfig   `mapstructure:"webhooks"`
	Conflicts ConflictConfig  `mapstructure:"conflicts"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`   // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"`  // in seconds
	IngestTimeout int    `mapstructure:"ingestTimeout"` // in seconds, end-to-end ingest deadline
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds the optional NATS mirror configuration.
// An empty URL means stream notifications stay in-process only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RetentionConfig holds the bootstrap defaults for the retention manager.
// The live values are stored in the settings table and may be changed at
// runtime through the admin API; these defaults seed that table.
type RetentionConfig struct {
	EventsDays           int    `mapstructure:"eventsDays"`
	DevLogsDays          int    `mapstructure:"devlogsDays"`
	SessionsDays         int    `mapstructure:"sessionsDays"`
	ArchiveEnabled       bool   `mapstructure:"archiveEnabled"`
	ArchiveDirectory     string `mapstructure:"archiveDirectory"`
	CleanupIntervalHours int    `mapstructure:"cleanupIntervalHours"`
	MaxCleanupMs         int    `mapstructure:"maxCleanupMs"`
}

// WebhookConfig holds webhook dispatcher configuration.
type WebhookConfig struct {
	QueueSize      int `mapstructure:"queueSize"`      // bounded per-webhook queue
	AttemptTimeout int `mapstructure:"attemptTimeout"` // in seconds
	MaxAttempts    int `mapstructure:"maxAttempts"`
}

// ConflictConfig holds file-conflict detection configuration.
type ConflictConfig struct {
	WindowMinutes int `mapstructure:"windowMinutes"`
}

// AlertConfig holds alert engine thresholds. The defaults mirror the
// dashboard's behavior; operators may tune them.
type AlertConfig struct {
	ErrorRateThreshold   float64 `mapstructure:"errorRateThreshold"`   // error_spike warning ratio
	ErrorRateCritical    float64 `mapstructure:"errorRateCritical"`    // error_spike critical ratio
	MinSampleSize        int     `mapstructure:"minSampleSize"`        // minimum events for error_spike
	StuckMinutes         int     `mapstructure:"stuckMinutes"`         // active with no events
	WaitingMinutes       int     `mapstructure:"waitingMinutes"`       // waiting too long
	CriticalAfterMinutes int     `mapstructure:"criticalAfterMinutes"` // stuck/waiting escalation
}

// PricingConfig points at an optional model pricing table override.
type PricingConfig struct {
	Path string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IngestTimeoutDuration returns the ingest deadline as a time.Duration.
func (s *ServerConfig) IngestTimeoutDuration() time.Duration {
	return time.Duration(s.IngestTimeout) * time.Second
}

// Window returns the conflict detection window as a time.Duration.
func (c *ConflictConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVPULSE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.ingestTimeout", 5)

	// Database defaults
	v.SetDefault("database.path", "./devpulse.db")

	// NATS defaults - empty URL means in-process notifications only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "devpulse.stream")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Retention defaults
	v.SetDefault("retention.eventsDays", 30)
	v.SetDefault("retention.devlogsDays", 90)
	v.SetDefault("retention.sessionsDays", 30)
	v.SetDefault("retention.archiveEnabled", true)
	v.SetDefault("retention.archiveDirectory", "./archives")
	v.SetDefault("retention.cleanupIntervalHours", 24)
	v.SetDefault("retention.maxCleanupMs", 2000)

	// Webhook dispatcher defaults
	v.SetDefault("webhooks.queueSize", 64)
	v.SetDefault("webhooks.attemptTimeout", 10)
	v.SetDefault("webhooks.maxAttempts", 3)

	// Conflict detection defaults
	v.SetDefault("conflicts.windowMinutes", 30)

	// Alert engine defaults
	v.SetDefault("alerts.errorRateThreshold", 0.3)
	v.SetDefault("alerts.errorRateCritical", 0.5)
	v.SetDefault("alerts.minSampleSize", 10)
	v.SetDefault("alerts.stuckMinutes", 10)
	v.SetDefault("alerts.waitingMinutes", 5)
	v.SetDefault("alerts.criticalAfterMinutes", 30)

	// Pricing table override (empty means embedded defaults)
	v.SetDefault("pricing.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVPULSE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/devpulse/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind the keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.port", "DEVPULSE_PORT", "DEVPULSE_SERVER_PORT")
	_ = v.BindEnv("database.path", "DEVPULSE_DB_PATH", "DEVPULSE_DATABASE_PATH")
	_ = v.BindEnv("retention.archiveDirectory", "DEVPULSE_ARCHIVE_DIR")
	_ = v.BindEnv("retention.cleanupIntervalHours", "DEVPULSE_CLEANUP_INTERVAL_HOURS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devpulse/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.IngestTimeout <= 0 {
		errs = append(errs, "server.ingestTimeout must be positive")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Retention.CleanupIntervalHours <= 0 {
		errs = append(errs, "retention.cleanupIntervalHours must be positive")
	}
	if cfg.Webhooks.QueueSize <= 0 {
		errs = append(errs, "webhooks.queueSize must be positive")
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		errs = append(errs, "webhooks.maxAttempts must be positive")
	}
	if cfg.Conflicts.WindowMinutes < 0 {
		errs = append(errs, "conflicts.windowMinutes must not be negative")
	}
	if cfg.Alerts.ErrorRateThreshold <= 0 || cfg.Alerts.ErrorRateThreshold >= 1 {
		errs = append(errs, "alerts.errorRateThreshold must be in (0, 1)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
