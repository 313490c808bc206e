package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Selectors are the CSS markers used to recognize login challenges. The
// upstream service does not document them and changes them without notice,
// so they are configurable and only default to the currently observed values.
type Selectors struct {
	Captcha      string `mapstructure:"captcha"`
	DeviceChoice string `mapstructure:"device_choice"`
	OTP          string `mapstructure:"otp"`
	Verification string `mapstructure:"verification"`
	Approval     string `mapstructure:"approval"`
	ErrorBox     string `mapstructure:"error_box"`
}

// DefaultSelectors returns the challenge markers observed on the live service.
func DefaultSelectors() Selectors {
	return Selectors{
		Captcha:      "#auth-captcha-image",
		DeviceChoice: "form#auth-select-device-form",
		OTP:          "form#auth-mfa-form",
		Verification: "#cvf-page-content form",
		Approval:     "#resend-approval-link",
		ErrorBox:     "#auth-error-message-box",
	}
}

// Config represents the auth engine configuration.
type Config struct {
	// Marketplace selection
	Locale string `mapstructure:"locale"` // country code, e.g. "us"

	// Credential file
	AuthFile   string `mapstructure:"auth_file"`
	Encryption string `mapstructure:"encryption"` // off, json, bytes

	// Crypto backend override; empty means auto-detection
	CryptoProvider string `mapstructure:"crypto_provider"`

	// HTTP configuration
	HTTPTimeout int `mapstructure:"http_timeout"` // seconds
	MaxRetries  int `mapstructure:"max_retries"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Login behavior
	WithUsername bool      `mapstructure:"with_username"`
	Selectors    Selectors `mapstructure:"selectors"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Locale:      "us",
		AuthFile:    "audible.json",
		Encryption:  "json",
		HTTPTimeout: 30,
		MaxRetries:  0,
		LogLevel:    "info",
		Selectors:   DefaultSelectors(),
	}
}

// Load loads configuration from file and environment variables.
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
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".audible"))
		}
	}

	v.SetEnvPrefix("AUDIBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults apply
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("locale", cfg.Locale)
	v.SetDefault("auth_file", cfg.AuthFile)
	v.SetDefault("encryption", cfg.Encryption)
	v.SetDefault("crypto_provider", cfg.CryptoProvider)
	v.SetDefault("http_timeout", cfg.HTTPTimeout)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("with_username", cfg.WithUsername)
	v.SetDefault("selectors.captcha", cfg.Selectors.Captcha)
	v.SetDefault("selectors.device_choice", cfg.Selectors.DeviceChoice)
	v.SetDefault("selectors.otp", cfg.Selectors.OTP)
	v.SetDefault("selectors.verification", cfg.Selectors.Verification)
	v.SetDefault("selectors.approval", cfg.Selectors.Approval)
	v.SetDefault("selectors.error_box", cfg.Selectors.ErrorBox)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Locale == "" {
		return fmt.Errorf("locale is required")
	}

	switch c.Encryption {
	case "off", "json", "bytes":
	default:
		return fmt.Errorf("encryption must be one of: off, json, bytes")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.AuthFile == "" {
		return fmt.Errorf("auth_file is required")
	}
	return nil
}
