package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Durable log
	DBPath string `mapstructure:"db-path"`

	// Filesystem layout
	InstallRoot        string `mapstructure:"install-root"`
	BackupDir          string `mapstructure:"backup-dir"`
	AnsiblePlaybookDir string `mapstructure:"ansible-playbook-dir"`

	// Remote artifact fetch
	S3Region string `mapstructure:"s3-region"`

	// Security limits
	MaxFileSize int64 `mapstructure:"max-file-size"`

	// Retention
	MaxRetentionDays int `mapstructure:"max-retention-days"`

	// Handler timeouts
	ScriptTimeoutSeconds int `mapstructure:"script-timeout-seconds"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("db-path", "/var/lib/txinstall/transactions.db")
	viper.SetDefault("install-root", "/")
	viper.SetDefault("backup-dir", "/var/lib/txinstall/backups")
	viper.SetDefault("ansible-playbook-dir", "/etc/txinstall/ansible")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("max-file-size", 1*1024*1024*1024)
	viper.SetDefault("max-retention-days", 30)
	viper.SetDefault("script-timeout-seconds", 300)

	// Environment variables (will be TXINSTALL_DB_PATH, etc.)
	viper.SetEnvPrefix("TXINSTALL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/txinstall")
	viper.AddConfigPath("$HOME/.txinstall")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.InstallRoot == "" {
		return fmt.Errorf("install-root cannot be empty")
	}
	if c.BackupDir == "" {
		return fmt.Errorf("backup-dir cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxRetentionDays <= 0 {
		return fmt.Errorf("max-retention-days must be positive")
	}
	if c.ScriptTimeoutSeconds <= 0 {
		return fmt.Errorf("script-timeout-seconds must be positive")
	}
	return nil
}
