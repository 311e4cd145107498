package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime settings. Values come from defaults, an optional
// wabbadl.yaml in the working directory, and WABBADL_* environment
// variables, in increasing priority. CLI flags override on top.
type Config struct {
	Workers          int           `mapstructure:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	RateLimit        int64         `mapstructure:"rate_limit"` // bytes/sec, 0 = unlimited
	DatabasePath     string        `mapstructure:"database_path"`
	CookieFile       string        `mapstructure:"cookie_file"`
	ProxyURL         string        `mapstructure:"proxy_url"`
	APIBaseURL       string        `mapstructure:"api_base_url"`
	UserAgent        string        `mapstructure:"user_agent"`
	LogLevel         string        `mapstructure:"log_level"`
	Quiet            bool          `mapstructure:"quiet"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:          4,
		MaxAttempts:      3,
		HTTPTimeout:      30 * time.Second,
		RetryBaseDelay:   1 * time.Second,
		RetryMaxDelay:    30 * time.Second,
		RateLimitBackoff: 5 * time.Second,
		RateLimit:        0,
		DatabasePath:     "wabbadl.db",
		APIBaseURL:       "https://www.nexusmods.com",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		LogLevel:         "info",
	}
}

// LoadConfig builds the effective configuration. A missing .env or config
// file is not an error.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("WABBADL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("workers", def.Workers)
	v.SetDefault("max_attempts", def.MaxAttempts)
	v.SetDefault("http_timeout", def.HTTPTimeout)
	v.SetDefault("retry_base_delay", def.RetryBaseDelay)
	v.SetDefault("retry_max_delay", def.RetryMaxDelay)
	v.SetDefault("rate_limit_backoff", def.RateLimitBackoff)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("cookie_file", def.CookieFile)
	v.SetDefault("proxy_url", def.ProxyURL)
	v.SetDefault("api_base_url", def.APIBaseURL)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("quiet", def.Quiet)

	v.SetConfigName("wabbadl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Workers:          v.GetInt("workers"),
		MaxAttempts:      v.GetInt("max_attempts"),
		HTTPTimeout:      v.GetDuration("http_timeout"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		RetryMaxDelay:    v.GetDuration("retry_max_delay"),
		RateLimitBackoff: v.GetDuration("rate_limit_backoff"),
		RateLimit:        v.GetInt64("rate_limit"),
		DatabasePath:     v.GetString("database_path"),
		CookieFile:       v.GetString("cookie_file"),
		ProxyURL:         v.GetString("proxy_url"),
		APIBaseURL:       v.GetString("api_base_url"),
		UserAgent:        v.GetString("user_agent"),
		LogLevel:         v.GetString("log_level"),
		Quiet:            v.GetBool("quiet"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive, got %v", c.HTTPTimeout)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base=%v max=%v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %d", c.RateLimit)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	return nil
}
