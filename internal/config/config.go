// Package config loads runtime settings from, in increasing precedence:
// built-in defaults, an optional config file, a local .env file, and
// PGSYNC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the CLI needs for a run.
type Config struct {
	SourceURL string `mapstructure:"source_url"`
	TargetURL string `mapstructure:"target_url"`

	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	StoreDir    string `mapstructure:"store_dir"`

	DryRun      bool          `mapstructure:"dry_run"`
	StopOnError bool          `mapstructure:"stop_on_error"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	BackupBeforeMigrate bool `mapstructure:"backup_before_migrate"`
	RollbackOnFailure   bool `mapstructure:"rollback_on_failure"`
}

// Load reads configuration. cfgFile may be empty, in which case only
// defaults, .env, and environment variables apply.
func Load(cfgFile string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("source_url", "")
	v.SetDefault("target_url", "")
	v.SetDefault("dry_run", false)
	v.SetDefault("backup_before_migrate", false)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("store_dir", ".pgsync")
	v.SetDefault("stop_on_error", true)
	v.SetDefault("rollback_on_failure", true)
	v.SetDefault("step_timeout", 5*time.Minute)

	v.SetEnvPrefix("PGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a migration run cannot proceed without.
func (c *Config) Validate() error {
	if c.SourceURL == "" {
		return fmt.Errorf("source_url is required (set PGSYNC_SOURCE_URL or the config file)")
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target_url is required (set PGSYNC_TARGET_URL or the config file)")
	}
	return nil
}
