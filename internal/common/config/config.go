// Package config provides configuration management for Iris.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Iris.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Teams       TeamsConfig       `mapstructure:"teams"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Tell        TellConfig        `mapstructure:"tell"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. The same listener serves the
// dashboard REST API, the WebSocket push channel, and the per-session MCP
// endpoints that spawned agents dial back into.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout defaults to 0 (disabled): wait-mode tells and WebSocket
	// subscriptions hold the response open far longer than any fixed budget.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
// Dialect sqlite3 uses Path; dialect pgx uses URL.
type DatabaseConfig struct {
	Dialect  string `mapstructure:"dialect"`
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
}

// TeamsConfig locates the team registry file.
type TeamsConfig struct {
	ConfigPath string `mapstructure:"configPath"`
}

// PoolConfig holds process pool configuration.
type PoolConfig struct {
	MaxProcesses        int `mapstructure:"maxProcesses"`
	HealthCheckInterval int `mapstructure:"healthCheckInterval"` // in seconds
	SessionInitTimeout  int `mapstructure:"sessionInitTimeout"`  // in seconds
	GracefulTimeout     int `mapstructure:"gracefulTimeout"`     // in seconds
}

// TellConfig holds request routing configuration.
type TellConfig struct {
	DefaultTimeout  int `mapstructure:"defaultTimeout"` // in seconds
	WakeParallelism int `mapstructure:"wakeParallelism"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PermissionsConfig holds the approval broker configuration.
type PermissionsConfig struct {
	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
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

// HealthCheckIntervalDuration returns the pool sweep period as a time.Duration.
func (p *PoolConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Second
}

// SessionInitTimeoutDuration returns the spawn deadline as a time.Duration.
func (p *PoolConfig) SessionInitTimeoutDuration() time.Duration {
	return time.Duration(p.SessionInitTimeout) * time.Second
}

// GracefulTimeoutDuration returns the terminate grace window as a time.Duration.
func (p *PoolConfig) GracefulTimeoutDuration() time.Duration {
	return time.Duration(p.GracefulTimeout) * time.Second
}

// DefaultTimeoutDuration returns the wait-mode tell timeout as a time.Duration.
func (t *TellConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(t.DefaultTimeout) * time.Second
}

// RequestTimeoutDuration returns the approval window as a time.Duration.
func (p *PermissionsConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("IRIS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults - SQLite in the working directory
	v.SetDefault("database.dialect", "sqlite3")
	v.SetDefault("database.path", "iris.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)

	// Team registry defaults
	v.SetDefault("teams.configPath", "teams.yaml")

	// Pool defaults
	v.SetDefault("pool.maxProcesses", 5)
	v.SetDefault("pool.healthCheckInterval", 30)
	v.SetDefault("pool.sessionInitTimeout", 60)
	v.SetDefault("pool.gracefulTimeout", 5)

	// Tell defaults
	v.SetDefault("tell.defaultTimeout", 300)
	v.SetDefault("tell.wakeParallelism", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Permission broker defaults
	v.SetDefault("permissions.requestTimeout", 120)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix IRIS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.iris/, or /etc/iris/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("IRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	// IRIS_HTTP_PORT is the documented override agents and wrappers rely on.
	_ = v.BindEnv("server.port", "IRIS_HTTP_PORT", "IRIS_SERVER_PORT")
	_ = v.BindEnv("teams.configPath", "IRIS_TEAMS_CONFIG_PATH")
	_ = v.BindEnv("database.path", "IRIS_DATABASE_PATH")
	_ = v.BindEnv("database.url", "IRIS_DATABASE_URL")
	_ = v.BindEnv("pool.maxProcesses", "IRIS_POOL_MAX_PROCESSES")
	_ = v.BindEnv("pool.sessionInitTimeout", "IRIS_POOL_SESSION_INIT_TIMEOUT")
	_ = v.BindEnv("tell.defaultTimeout", "IRIS_TELL_DEFAULT_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.iris/")
	}
	v.AddConfigPath("/etc/iris/")

	// Read config file (ignore if not found)
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

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Dialect {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 dialect")
		}
	case "pgx":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required for the pgx dialect")
		}
	default:
		errs = append(errs, "database.dialect must be one of: sqlite3, pgx")
	}

	if cfg.Teams.ConfigPath == "" {
		errs = append(errs, "teams.configPath is required")
	}

	// Pool validation
	if cfg.Pool.MaxProcesses <= 0 {
		errs = append(errs, "pool.maxProcesses must be positive")
	}
	if cfg.Pool.HealthCheckInterval <= 0 {
		errs = append(errs, "pool.healthCheckInterval must be positive")
	}
	if cfg.Pool.SessionInitTimeout <= 0 {
		errs = append(errs, "pool.sessionInitTimeout must be positive")
	}
	if cfg.Pool.GracefulTimeout < 0 {
		errs = append(errs, "pool.gracefulTimeout must not be negative")
	}

	// Tell validation
	if cfg.Tell.DefaultTimeout <= 0 {
		errs = append(errs, "tell.defaultTimeout must be positive")
	}
	if cfg.Tell.WakeParallelism <= 0 {
		errs = append(errs, "tell.wakeParallelism must be positive")
	}

	if cfg.Permissions.RequestTimeout <= 0 {
		errs = append(errs, "permissions.requestTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
