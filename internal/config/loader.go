package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// Config captures file and environment driven settings for the migrator.
type Config struct {
	Driver        string `mapstructure:"driver" env:"MIGRATOR_DRIVER"`
	DSN           string `mapstructure:"dsn" env:"MIGRATOR_DSN"`
	MigrationsDir string `mapstructure:"migrations_dir" env:"MIGRATOR_MIGRATIONS_DIR"`
	TableName     string `mapstructure:"table_name" env:"MIGRATOR_TABLE_NAME"`
	LogLevel      string `mapstructure:"log_level" env:"MIGRATOR_LOG_LEVEL"`
	LogFormat     string `mapstructure:"log_format" env:"MIGRATOR_LOG_FORMAT"`

	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Lock      LockConfig      `mapstructure:"lock"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SQLiteConfig holds settings only the sqlite driver reads.
type SQLiteConfig struct {
	BusyTimeout time.Duration `mapstructure:"busy_timeout" env:"MIGRATOR_SQLITE_BUSY_TIMEOUT"`
	JournalMode string        `mapstructure:"journal_mode" env:"MIGRATOR_SQLITE_JOURNAL_MODE"`
	ForeignKeys bool          `mapstructure:"foreign_keys" env:"MIGRATOR_SQLITE_FOREIGN_KEYS"`
}

// LockConfig enables the cross-process run lock when RedisAddr is set.
type LockConfig struct {
	RedisAddr string        `mapstructure:"redis_addr" env:"MIGRATOR_LOCK_REDIS_ADDR"`
	Key       string        `mapstructure:"key" env:"MIGRATOR_LOCK_KEY"`
	TTL       time.Duration `mapstructure:"ttl" env:"MIGRATOR_LOCK_TTL"`
}

// TelemetryConfig enables trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" env:"MIGRATOR_TELEMETRY_ENDPOINT"`
	ServiceName string `mapstructure:"service_name" env:"MIGRATOR_TELEMETRY_SERVICE_NAME"`
}

var defaults = map[string]any{
	"driver":                 "sqlite",
	"dsn":                    "migrations.db",
	"migrations_dir":         "./migrations",
	"table_name":             "_migrations",
	"log_level":              "info",
	"log_format":             "json",
	"sqlite.busy_timeout":    "30s",
	"sqlite.journal_mode":    "WAL",
	"sqlite.foreign_keys":    true,
	"lock.key":               "schema-migrator:lock",
	"lock.ttl":               "5m",
	"telemetry.service_name": "schema-migrator",
}

// Load builds the configuration from defaults, the optional file at path and
// MIGRATOR_* environment variables, in that order of precedence (lowest first).
// An empty path skips the file. The file format follows its extension.
//
// Every invalid key is reported in a single error.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	invalid := make([]string, 0, 4)

	switch strings.ToLower(c.Driver) {
	case "sqlite", "postgres":
	default:
		invalid = append(invalid, "driver")
	}
	if strings.TrimSpace(c.DSN) == "" {
		invalid = append(invalid, "dsn")
	}
	if strings.TrimSpace(c.MigrationsDir) == "" {
		invalid = append(invalid, "migrations_dir")
	}
	if strings.TrimSpace(c.TableName) == "" {
		invalid = append(invalid, "table_name")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		invalid = append(invalid, "log_format")
	}
	if c.SQLite.BusyTimeout < 0 {
		invalid = append(invalid, "sqlite.busy_timeout")
	}
	if c.Lock.RedisAddr != "" {
		if strings.TrimSpace(c.Lock.Key) == "" {
			invalid = append(invalid, "lock.key")
		}
		if c.Lock.TTL <= 0 {
			invalid = append(invalid, "lock.ttl")
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(invalid, ", "))
	}
	return nil
}

// ErrInvalid reports configuration values that failed validation.
var ErrInvalid = errors.New("invalid configuration values")
