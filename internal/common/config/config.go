// Package config provides configuration management for coderelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for coderelay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Models     ModelsConfig     `mapstructure:"models"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When PostgresDSN is empty the server runs on SQLite at Path.
type DatabaseConfig struct {
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgresDsn"`
	MaxConns    int    `mapstructure:"maxConns"`
	MinConns    int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds the shared secrets for the operator channel and the
// subscriber-token hashing key.
type AuthConfig struct {
	OperatorSecret string `mapstructure:"operatorSecret"` // authenticates /internal/* callers
	TokenPepper    string `mapstructure:"tokenPepper"`    // HMAC key for subscriber token hashes
}

// SandboxConfig holds configuration for the remote sandbox runtime.
type SandboxConfig struct {
	BaseURL            string `mapstructure:"baseUrl"`
	APISecret          string `mapstructure:"apiSecret"`
	CommandTimeout     int    `mapstructure:"commandTimeout"`     // per-call deadline, seconds
	CommandRetries     int    `mapstructure:"commandRetries"`     // max command dispatch attempts
	StartRetries       int    `mapstructure:"startRetries"`       // max sandbox start attempts
	HeartbeatThreshold int    `mapstructure:"heartbeatThreshold"` // staleness threshold, seconds
	StopGraceSeconds   int    `mapstructure:"stopGraceSeconds"`   // wait after stop() before forcing cancelled
}

// SubscriberConfig holds configuration for the subscriber channel.
type SubscriberConfig struct {
	ReplayLimit   int `mapstructure:"replayLimit"`   // events replayed on subscribe
	SendQueueSize int `mapstructure:"sendQueueSize"` // per-connection outbound queue depth
	PongTimeout   int `mapstructure:"pongTimeout"`   // seconds without a ping before close
}

// AggregatorConfig holds configuration for the streaming token aggregator.
type AggregatorConfig struct {
	FlushIntervalMs int `mapstructure:"flushIntervalMs"`
	MaxTokens       int `mapstructure:"maxTokens"`
}

// ModelsConfig centralizes the closed model and reasoning-effort enumerations.
type ModelsConfig struct {
	Default       string   `mapstructure:"default"`
	Valid         []string `mapstructure:"valid"`
	ValidEfforts  []string `mapstructure:"validEfforts"`
	DefaultEffort string   `mapstructure:"defaultEffort"`
}

// WorkspaceConfig identifies the deployment.
type WorkspaceConfig struct {
	ID         string `mapstructure:"id"`
	Deployment string `mapstructure:"deployment"`
}

// ArtifactsConfig holds binary artifact storage configuration.
type ArtifactsConfig struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"baseUrl"`
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

// CommandTimeoutDuration returns the per-call sandbox deadline as a time.Duration.
func (s *SandboxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// HeartbeatThresholdDuration returns the heartbeat staleness threshold.
func (s *SandboxConfig) HeartbeatThresholdDuration() time.Duration {
	return time.Duration(s.HeartbeatThreshold) * time.Second
}

// StopGraceDuration returns the stop grace period.
func (s *SandboxConfig) StopGraceDuration() time.Duration {
	return time.Duration(s.StopGraceSeconds) * time.Second
}

// FlushInterval returns the aggregator flush quantum.
func (a *AggregatorConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// PongTimeoutDuration returns the keepalive grace period.
func (s *SubscriberConfig) PongTimeoutDuration() time.Duration {
	return time.Duration(s.PongTimeout) * time.Second
}

// IsValidModel reports whether the model is in the closed set.
func (m *ModelsConfig) IsValidModel(model string) bool {
	for _, v := range m.Valid {
		if v == model {
			return true
		}
	}
	return false
}

// IsValidEffort reports whether the reasoning effort is in the closed set.
func (m *ModelsConfig) IsValidEffort(effort string) bool {
	for _, v := range m.ValidEfforts {
		if v == effort {
			return true
		}
	}
	return false
}

// ResolveEffort applies the reasoning-effort fallback chain: per-message
// override, then session default, then the model default.
func (m *ModelsConfig) ResolveEffort(messageEffort, sessionEffort string) string {
	if m.IsValidEffort(messageEffort) {
		return messageEffort
	}
	if m.IsValidEffort(sessionEffort) {
		return sessionEffort
	}
	return m.DefaultEffort
}

// ResolveModel returns the model if valid, otherwise the configured default.
func (m *ModelsConfig) ResolveModel(model string) string {
	if m.IsValidModel(model) {
		return model
	}
	return m.Default
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite file unless a Postgres DSN is set
	v.SetDefault("database.path", "coderelay.db")
	v.SetDefault("database.postgresDsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.operatorSecret", "")
	v.SetDefault("auth.tokenPepper", "")

	// Sandbox defaults
	v.SetDefault("sandbox.baseUrl", "")
	v.SetDefault("sandbox.apiSecret", "")
	v.SetDefault("sandbox.commandTimeout", 15)
	v.SetDefault("sandbox.commandRetries", 3)
	v.SetDefault("sandbox.startRetries", 2)
	v.SetDefault("sandbox.heartbeatThreshold", 90)
	v.SetDefault("sandbox.stopGraceSeconds", 30)

	// Subscriber channel defaults
	v.SetDefault("subscriber.replayLimit", 200)
	v.SetDefault("subscriber.sendQueueSize", 256)
	v.SetDefault("subscriber.pongTimeout", 60)

	// Token aggregator defaults
	v.SetDefault("aggregator.flushIntervalMs", 50)
	v.SetDefault("aggregator.maxTokens", 100)

	// Model enumeration defaults
	v.SetDefault("models.default", "claude-sonnet-4-5")
	v.SetDefault("models.valid", []string{
		"claude-sonnet-4-5",
		"claude-opus-4-1",
		"claude-haiku-4-5",
		"gpt-5",
		"gpt-5-codex",
	})
	v.SetDefault("models.validEfforts", []string{"none", "low", "medium", "high", "xhigh", "max"})
	v.SetDefault("models.defaultEffort", "medium")

	// Workspace identity defaults
	v.SetDefault("workspace.id", "default")
	v.SetDefault("workspace.deployment", "coderelay-dev")

	// Artifact storage defaults
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.baseUrl", "http://localhost:8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase config key.
	_ = v.BindEnv("auth.operatorSecret", "CODERELAY_AUTH_OPERATOR_SECRET")
	_ = v.BindEnv("auth.tokenPepper", "CODERELAY_AUTH_TOKEN_PEPPER")
	_ = v.BindEnv("sandbox.apiSecret", "CODERELAY_SANDBOX_API_SECRET")
	_ = v.BindEnv("sandbox.baseUrl", "CODERELAY_SANDBOX_BASE_URL")
	_ = v.BindEnv("database.postgresDsn", "CODERELAY_DATABASE_POSTGRES_DSN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

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
// In development mode most secrets fall back to generated values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.PostgresDSN == "" && cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.postgresDsn is not set")
	}

	// Dev mode fallbacks: a deployment must set these explicitly.
	if cfg.Auth.OperatorSecret == "" {
		cfg.Auth.OperatorSecret = generateDevSecret("operator")
	}
	if cfg.Auth.TokenPepper == "" {
		cfg.Auth.TokenPepper = generateDevSecret("pepper")
	}

	if cfg.Sandbox.CommandRetries <= 0 {
		errs = append(errs, "sandbox.commandRetries must be positive")
	}
	if cfg.Sandbox.HeartbeatThreshold <= 0 {
		errs = append(errs, "sandbox.heartbeatThreshold must be positive")
	}
	if cfg.Sandbox.StopGraceSeconds <= 0 {
		errs = append(errs, "sandbox.stopGraceSeconds must be positive")
	}

	if cfg.Subscriber.ReplayLimit <= 0 {
		errs = append(errs, "subscriber.replayLimit must be positive")
	}
	if cfg.Aggregator.FlushIntervalMs <= 0 {
		errs = append(errs, "aggregator.flushIntervalMs must be positive")
	}
	if cfg.Aggregator.MaxTokens <= 0 {
		errs = append(errs, "aggregator.maxTokens must be positive")
	}

	if cfg.Models.Default == "" || !cfg.Models.IsValidModel(cfg.Models.Default) {
		errs = append(errs, "models.default must be a member of models.valid")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret(kind string) string {
	return fmt.Sprintf("dev-%s-change-in-production-%d", kind, time.Now().UnixNano())
}
