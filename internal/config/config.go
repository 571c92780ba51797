// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	RunModeStandard = "standard"
	RunModeSimple   = "simple"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	RunMode  string         `mapstructure:"run_mode"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // debug/release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the Postgres connection and pool settings backing the
// Persistence Contract (keys, logs, settings).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `mapstructure:"conn_max_lifetime_minutes"`
	ConnMaxIdleTimeMinutes int `mapstructure:"conn_max_idle_time_minutes"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GatewayConfig controls the Proxy Pipeline's ambient HTTP behavior — the
// pieces spec.md leaves to "implementation defined" but every deployment
// needs (body size ceiling, outbound pool sizing, error-body log capture).
type GatewayConfig struct {
	// MasterAPIKey gates inbound requests per spec.md §4.5 step 1. Empty disables the gate.
	MasterAPIKey string `mapstructure:"master_api_key"`

	// ResponseHeaderTimeout bounds how long the pipeline waits for upstream response headers (seconds), 0 = no timeout.
	ResponseHeaderTimeout int `mapstructure:"response_header_timeout"`
	// MaxBodySize caps the inbound request body in bytes.
	MaxBodySize int64 `mapstructure:"max_body_size"`

	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost    int `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost        int `mapstructure:"max_conns_per_host"`
	IdleConnTimeoutSeconds int `mapstructure:"idle_conn_timeout_seconds"`

	// LogUpstreamErrorBody records a truncated copy of 4xx/5xx upstream bodies
	// into the RequestLog's errorMessage field (spec.md §9: "extract error.message").
	LogUpstreamErrorBody         bool `mapstructure:"log_upstream_error_body"`
	LogUpstreamErrorBodyMaxBytes int  `mapstructure:"log_upstream_error_body_max_bytes"`

	// ConnectionJanitorIntervalSeconds is how often the Load-Balancing Strategy's
	// active-connection map sweeps zeroed entries (spec.md §4.3: "every 5 minutes").
	ConnectionJanitorIntervalSeconds int `mapstructure:"connection_janitor_interval_seconds"`
	// LogRetentionSweepIntervalMinutes is how often RequestLog rows older
	// than settings.logRetentionDays are pruned.
	LogRetentionSweepIntervalMinutes int `mapstructure:"log_retention_sweep_interval_minutes"`
}

func NormalizeRunMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case RunModeStandard, RunModeSimple:
		return normalized
	default:
		return RunModeStandard
	}
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/llmgate")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.RunMode = NormalizeRunMode(cfg.RunMode)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("run_mode", RunModeStandard)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "llmgate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime_minutes", 30)
	viper.SetDefault("database.conn_max_idle_time_minutes", 5)

	viper.SetDefault("gateway.master_api_key", "")
	viper.SetDefault("gateway.response_header_timeout", 120)
	viper.SetDefault("gateway.max_body_size", int64(20*1024*1024))
	viper.SetDefault("gateway.max_idle_conns", 240)
	viper.SetDefault("gateway.max_idle_conns_per_host", 120)
	viper.SetDefault("gateway.max_conns_per_host", 240)
	viper.SetDefault("gateway.idle_conn_timeout_seconds", 300)
	viper.SetDefault("gateway.log_upstream_error_body", true)
	viper.SetDefault("gateway.log_upstream_error_body_max_bytes", 2048)
	viper.SetDefault("gateway.connection_janitor_interval_seconds", 300)
	viper.SetDefault("gateway.log_retention_sweep_interval_minutes", 60)
}

func (c *Config) Validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must be non-negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns cannot exceed database.max_open_conns")
	}
	if c.Database.ConnMaxLifetimeMinutes < 0 {
		return fmt.Errorf("database.conn_max_lifetime_minutes must be non-negative")
	}
	if c.Database.ConnMaxIdleTimeMinutes < 0 {
		return fmt.Errorf("database.conn_max_idle_time_minutes must be non-negative")
	}
	if c.Gateway.MaxBodySize <= 0 {
		return fmt.Errorf("gateway.max_body_size must be positive")
	}
	if c.Gateway.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("gateway.response_header_timeout must be non-negative")
	}
	if c.Gateway.MaxIdleConns <= 0 {
		return fmt.Errorf("gateway.max_idle_conns must be positive")
	}
	if c.Gateway.MaxIdleConnsPerHost <= 0 {
		return fmt.Errorf("gateway.max_idle_conns_per_host must be positive")
	}
	if c.Gateway.MaxConnsPerHost < 0 {
		return fmt.Errorf("gateway.max_conns_per_host must be non-negative")
	}
	if c.Gateway.IdleConnTimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.idle_conn_timeout_seconds must be positive")
	}
	if c.Gateway.ConnectionJanitorIntervalSeconds <= 0 {
		return fmt.Errorf("gateway.connection_janitor_interval_seconds must be positive")
	}
	if c.Gateway.LogRetentionSweepIntervalMinutes <= 0 {
		return fmt.Errorf("gateway.log_retention_sweep_interval_minutes must be positive")
	}
	return nil
}

// GetServerAddress returns the server address (host:port) from config file or
// environment variable, without requiring the rest of Config to validate —
// useful for early-startup log lines.
func GetServerAddress() string {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/llmgate")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	_ = v.ReadInConfig()

	host := v.GetString("server.host")
	port := v.GetInt("server.port")
	return fmt.Sprintf("%s:%d", host, port)
}
