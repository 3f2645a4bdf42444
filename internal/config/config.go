package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the bridge configuration. It is constructed once at
// process start and passed into the manager and sync engine constructors.
type Config struct {
	// Local embedded store
	LocalDriver string `mapstructure:"local_driver"` // duckdb or sqlite3
	LocalPath   string `mapstructure:"local_path"`

	// Remote managed replica (optional; bridge runs offline-only without it)
	RemoteDriver string `mapstructure:"remote_driver"`
	RemoteDSN    string `mapstructure:"remote_dsn"`
	RemoteToken  string `mapstructure:"remote_token"` // service token (JWT) for the managed replica

	// Connection pools
	PoolSize       int `mapstructure:"pool_size"`
	AcquireTimeout int `mapstructure:"acquire_timeout"` // seconds

	// Sync
	SyncTables   []string `mapstructure:"sync_tables"`
	SyncSchedule string   `mapstructure:"sync_schedule"` // cron spec, e.g. "@every 5m"
	SyncMaxAge   int      `mapstructure:"sync_max_age"`  // minutes; reconciliation window
	ChangeLogTTL int      `mapstructure:"change_log_ttl"` // hours; pruning horizon

	// Offline queue
	QueueMaxSize int `mapstructure:"queue_max_size"`

	// Actor recorded on change log entries
	Actor string `mapstructure:"actor"`

	// Admin API
	APIEnabled   bool   `mapstructure:"api_enabled"`
	APIListen    string `mapstructure:"api_listen"`
	APIJWTSecret string `mapstructure:"api_jwt_secret"` // empty disables auth

	// Redis notifier
	RedisEnabled  bool   `mapstructure:"redis_enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisQueue    string `mapstructure:"redis_queue"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LocalDriver:    "duckdb",
		LocalPath:      "./bridge.duckdb",
		RemoteDriver:   "postgres",
		RemoteDSN:      "",
		PoolSize:       4,
		AcquireTimeout: 10,
		SyncTables:     []string{},
		SyncSchedule:   "@every 5m",
		SyncMaxAge:     60,
		ChangeLogTTL:   720, // 30 days
		QueueMaxSize:   10000,
		Actor:          "bridge",
		APIEnabled:     false,
		APIListen:      "127.0.0.1:8081",
		RedisEnabled:   false,
		RedisAddr:      "localhost:6379",
		RedisDB:        0,
		RedisQueue:     "bridge:sync:results",
		LogLevel:       "info",
		LogFile:        "",
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/data-sync-bridge")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".data-sync-bridge"))
		}
	}

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("local_driver", cfg.LocalDriver)
	v.SetDefault("local_path", cfg.LocalPath)
	v.SetDefault("remote_driver", cfg.RemoteDriver)
	v.SetDefault("remote_dsn", cfg.RemoteDSN)
	v.SetDefault("remote_token", cfg.RemoteToken)
	v.SetDefault("pool_size", cfg.PoolSize)
	v.SetDefault("acquire_timeout", cfg.AcquireTimeout)
	v.SetDefault("sync_tables", cfg.SyncTables)
	v.SetDefault("sync_schedule", cfg.SyncSchedule)
	v.SetDefault("sync_max_age", cfg.SyncMaxAge)
	v.SetDefault("change_log_ttl", cfg.ChangeLogTTL)
	v.SetDefault("queue_max_size", cfg.QueueMaxSize)
	v.SetDefault("actor", cfg.Actor)
	v.SetDefault("api_enabled", cfg.APIEnabled)
	v.SetDefault("api_listen", cfg.APIListen)
	v.SetDefault("api_jwt_secret", cfg.APIJWTSecret)
	v.SetDefault("redis_enabled", cfg.RedisEnabled)
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("redis_password", cfg.RedisPassword)
	v.SetDefault("redis_db", cfg.RedisDB)
	v.SetDefault("redis_queue", cfg.RedisQueue)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.LocalDriver != "duckdb" && c.LocalDriver != "sqlite3" {
		return fmt.Errorf("local_driver must be one of: duckdb, sqlite3")
	}

	if c.LocalPath == "" {
		return fmt.Errorf("local_path is required")
	}

	if c.RemoteDSN != "" && c.RemoteDriver == "" {
		return fmt.Errorf("remote_driver is required when remote_dsn is set")
	}

	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1")
	}

	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive")
	}

	if c.SyncMaxAge <= 0 {
		return fmt.Errorf("sync_max_age must be positive")
	}

	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("queue_max_size must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	return nil
}

// HasRemote returns true if a remote replica is configured
func (c *Config) HasRemote() bool {
	return c.RemoteDSN != ""
}

// AcquireTimeoutDuration returns the pool acquire timeout as a duration
func (c *Config) AcquireTimeoutDuration() time.Duration {
	return time.Duration(c.AcquireTimeout) * time.Second
}

// SyncWindow returns the reconciliation window as a duration
func (c *Config) SyncWindow() time.Duration {
	return time.Duration(c.SyncMaxAge) * time.Minute
}

// ChangeLogRetention returns the change log pruning horizon as a duration
func (c *Config) ChangeLogRetention() time.Duration {
	return time.Duration(c.ChangeLogTTL) * time.Hour
}
