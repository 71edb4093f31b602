// Package config loads server configuration from defaults, an optional YAML
// file and VAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// EnvPrefix is prepended to every environment key, e.g. VAULT_STORAGE_ROOT.
const EnvPrefix = "VAULT"

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	WebDAVEnabled   bool          `mapstructure:"webdav_enabled"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Storage
	StorageRoot    string `mapstructure:"storage_root" validate:"required"`
	RootName       string `mapstructure:"root_name" validate:"required,excludesall=/\\"`
	SortLocale     string `mapstructure:"sort_locale" validate:"required"`
	MaxContentSize int64  `mapstructure:"max_content_size" validate:"gt=0"`

	// Events
	EventBuffer int `mapstructure:"event_buffer" validate:"gte=1,lte=65536"`
}

var validate = validator.New()

// Load reads configuration. configPath may be empty, in which case only
// defaults and the environment are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	root, err := filepath.Abs(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("storage_root: %w", err)
	}
	cfg.StorageRoot = root

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("webdav_enabled", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage_root", "./data/vault")
	v.SetDefault("root_name", "Vault")
	v.SetDefault("sort_locale", "en")
	v.SetDefault("max_content_size", 10<<20)
	v.SetDefault("event_buffer", 64)
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.RootName == "." || cfg.RootName == ".." {
		return fmt.Errorf("root_name: %q is not a valid collection name", cfg.RootName)
	}
	if _, err := cfg.Locale(); err != nil {
		return err
	}
	return nil
}

// Locale parses SortLocale.
func (c *Config) Locale() (language.Tag, error) {
	tag, err := language.Parse(c.SortLocale)
	if err != nil {
		return language.Und, fmt.Errorf("sort_locale: %w", err)
	}
	return tag, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
