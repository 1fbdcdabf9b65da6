// Package config provides configuration management for the orchestration
// server. It supports loading configuration from environment variables,
// a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events  EventsConfig  `mapstructure:"events"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Preview PreviewConfig `mapstructure:"preview"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // sqlite file path, or ":memory:" for tests
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// EventsConfig holds event-bus mirror configuration.
type EventsConfig struct {
	// NatsURL, when set, mirrors persisted events onto NATS subjects for
	// external consumers. Empty means no mirror; the in-process SSE Hub
	// is always active regardless of this setting.
	NatsURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// AdapterConfig selects and configures the AgentAdapter.
type AdapterConfig struct {
	// BaseURL selects the live HTTP adapter when non-empty; empty selects
	// the deterministic mock adapter.
	BaseURL       string `mapstructure:"baseUrl"`
	SharedSecret  string `mapstructure:"sharedSecret"`
	WorkDir       string `mapstructure:"workDir"`
	AllowMockRuns bool   `mapstructure:"allowMockRuns"`
}

// PreviewConfig holds defaults for the preview supervisor.
type PreviewConfig struct {
	RingBufferLines  int `mapstructure:"ringBufferLines"`
	ConnectTimeoutMs int `mapstructure:"connectTimeoutMs"`
	ReadyTimeoutMs   int `mapstructure:"readyTimeoutMs"`
	PollIntervalMs   int `mapstructure:"pollIntervalMs"`
	StopGraceMs      int `mapstructure:"stopGraceMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat mirrors logging.detectLogFormat so config-provided
// defaults and the logger's own fallback agree absent an explicit setting.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestratord.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestratord")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestratord")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("adapter.baseUrl", "")
	v.SetDefault("adapter.sharedSecret", "")
	v.SetDefault("adapter.workDir", "")
	v.SetDefault("adapter.allowMockRuns", false)

	v.SetDefault("preview.ringBufferLines", 200)
	v.SetDefault("preview.connectTimeoutMs", 2500)
	v.SetDefault("preview.readyTimeoutMs", 45000)
	v.SetDefault("preview.pollIntervalMs", 500)
	v.SetDefault("preview.stopGraceMs", 2000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ORCHD_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations ("." and "/etc/orchestratord/").
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not translate camelCase config keys to
	// SNAKE_CASE env vars, so bind the ones whose naming differs
	// explicitly.
	_ = v.BindEnv("adapter.baseUrl", "ORCHD_ADAPTER_BASE_URL")
	_ = v.BindEnv("adapter.sharedSecret", "ORCHD_ADAPTER_SHARED_SECRET")
	_ = v.BindEnv("adapter.allowMockRuns", "ORCHD_ALLOW_MOCK_RUNS")
	_ = v.BindEnv("logging.level", "ORCHD_LOG_LEVEL")
	_ = v.BindEnv("events.natsUrl", "ORCHD_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestratord/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
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
