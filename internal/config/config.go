// Package config handles loading and validating the application
// configuration from a YAML file and VERIBOT_* environment variables.
// The resulting Config is built once at startup and passed by reference
// to every component; nothing reads the process environment afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines all configuration parameters for the veribot daemon.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds Bot API credentials.
type TelegramConfig struct {
	Token string `mapstructure:"token" validate:"required"`
}

// DatabaseConfig points at the SQLite file shared with the web flow.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PollerConfig tunes the update ingestion loop.
type PollerConfig struct {
	// TimeoutSeconds is the server-side long-poll wait passed to getUpdates.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"min=1,max=50"`
	// Limit caps the number of updates fetched per batch.
	Limit int `mapstructure:"limit" validate:"min=1,max=100"`
	// RetryDelay is how long to wait after a failed fetch before retrying.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"min=1s,max=5m"`
	// OracleFailPause is how long to wait before exiting when the
	// verification store is unreachable, so a supervisor restart loop
	// does not hammer it.
	OracleFailPause time.Duration `mapstructure:"oracle_fail_pause" validate:"min=1s,max=10m"`
}

// MaintenanceConfig controls the background housekeeping jobs.
type MaintenanceConfig struct {
	PruneEnabled  bool   `mapstructure:"prune_enabled"`
	PruneSchedule string `mapstructure:"prune_schedule"`
	SQLEnabled    bool   `mapstructure:"sql_enabled"`
	SQLSchedule   string `mapstructure:"sql_schedule"`
}

// LoadConfig reads configuration from the given path, applies defaults and
// environment overrides, and validates the result. A missing config file is
// not an error as long as required values arrive via the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("VERIBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	// Registered with an empty default so the VERIBOT_TELEGRAM_TOKEN
	// environment override is visible to Unmarshal; validation still
	// rejects a missing token.
	v.SetDefault("telegram.token", "")

	v.SetDefault("database.path", "veribot.db")

	v.SetDefault("poller.timeout_seconds", 30)
	v.SetDefault("poller.limit", 100)
	v.SetDefault("poller.retry_delay", 5*time.Second)
	v.SetDefault("poller.oracle_fail_pause", 30*time.Second)

	v.SetDefault("maintenance.prune_enabled", true)
	v.SetDefault("maintenance.prune_schedule", "0 */6 * * *")
	v.SetDefault("maintenance.sql_enabled", true)
	v.SetDefault("maintenance.sql_schedule", "0 4 * * *")
}
