// Package config loads the service configuration from file, environment
// and defaults via Viper. Classification semantics themselves live in
// the rule catalog; configuration covers the ambient concerns around it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/amr-classifier-server/internal/domain"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Breakpoints BreakpointsConfig `mapstructure:"breakpoints"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RulesConfig locates the on-disk rule catalog.
type RulesConfig struct {
	// Path is a catalog file or a directory treated as one catalog.
	Path string `mapstructure:"path"`
	// MaxFileSize bounds a single catalog file in bytes.
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// Watch enables automatic reload on file changes.
	Watch bool `mapstructure:"watch"`
}

// BreakpointsConfig selects breakpoint sources and conflict behavior.
type BreakpointsConfig struct {
	// SourcePreference is the ordered source fallback list.
	SourcePreference []string `mapstructure:"source_preference"`
	// ReviewOnConflict disables method preference on conflicting results.
	ReviewOnConflict bool `mapstructure:"review_on_conflict"`
}

// OracleConfig configures the optional terminology oracle.
type OracleConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
}

// CacheConfig bounds the normalization cache.
type CacheConfig struct {
	NormalizationSize int `mapstructure:"normalization_size"`
}

// AuditConfig configures the audit sink buffering.
type AuditConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Manager loads and serves the configuration.
type Manager struct {
	config *Config
}

// NewManager creates a configuration manager and loads the configuration.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/amr-classifier/")

	viper.SetEnvPrefix("AMR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	viper.SetDefault("rules.path", "rules")
	viper.SetDefault("rules.max_file_size", 8*1024*1024)
	viper.SetDefault("rules.watch", false)

	viper.SetDefault("breakpoints.source_preference", []string{"EUCAST", "CLSI", "LOCAL"})
	viper.SetDefault("breakpoints.review_on_conflict", false)

	viper.SetDefault("oracle.enabled", false)
	viper.SetDefault("oracle.base_url", "")
	viper.SetDefault("oracle.timeout", "2s")
	viper.SetDefault("oracle.rate_limit", 10)

	viper.SetDefault("cache.normalization_size", 4096)

	viper.SetDefault("audit.buffer_size", 1024)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

// GetServerConfig returns the HTTP server configuration.
func (m *Manager) GetServerConfig() *ServerConfig {
	return &m.config.Server
}

// SourceOrder converts the configured source preference to typed
// breakpoint sources, dropping names that fail validation.
func (m *Manager) SourceOrder() []domain.BreakpointSource {
	out := make([]domain.BreakpointSource, 0, len(m.config.Breakpoints.SourcePreference))
	for _, name := range m.config.Breakpoints.SourcePreference {
		src := domain.BreakpointSource(strings.ToUpper(strings.TrimSpace(name)))
		if src.IsValid() {
			out = append(out, src)
		}
	}
	return out
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Rules.Path == "" {
		return fmt.Errorf("rules path is required")
	}
	if config.Rules.MaxFileSize <= 0 {
		return fmt.Errorf("invalid rules max file size: %d", config.Rules.MaxFileSize)
	}

	if len(m.SourceOrder()) == 0 {
		return fmt.Errorf("no valid breakpoint source in preference list %v", config.Breakpoints.SourcePreference)
	}

	if config.Oracle.Enabled {
		if config.Oracle.BaseURL == "" {
			return fmt.Errorf("oracle base URL is required when the oracle is enabled")
		}
		if config.Oracle.Timeout <= 0 {
			return fmt.Errorf("invalid oracle timeout: %s", config.Oracle.Timeout)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// IsProduction returns true if running in production mode.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}
