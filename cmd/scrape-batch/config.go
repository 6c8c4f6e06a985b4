package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// config holds the CLI configuration, loaded from environment variables
// (SCRAPE_ prefix) and an optional config file.
type config struct {
	// Upstream
	APIKey      string `mapstructure:"api_key"`
	UpstreamURL string `mapstructure:"upstream_url"`
	UserAgent   string `mapstructure:"user_agent"`

	// Batch input
	TargetsFile string `mapstructure:"targets_file"`
	Render      bool   `mapstructure:"render"`
	CountryCode string `mapstructure:"country_code"`

	// Concurrency and retry
	Limit             int           `mapstructure:"limit"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`

	// Optional payload cache
	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`

	// Observability
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
}

// loadConfig reads configuration via viper. Environment variables take
// precedence over values from the optional config file.
func loadConfig(configFile string) (config, error) {
	v := viper.New()

	// Keys need a default registered for AutomaticEnv to pick them up
	// during Unmarshal, so even empty ones are listed here.
	v.SetDefault("api_key", "")
	v.SetDefault("upstream_url", "")
	v.SetDefault("user_agent", "scrapebatch/0.1.0")
	v.SetDefault("targets_file", "targets.txt")
	v.SetDefault("render", false)
	v.SetDefault("country_code", "")
	v.SetDefault("limit", 5)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("base_delay", time.Second)
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("max_backoff", 30*time.Second)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("batch_timeout", 0)
	v.SetDefault("redis_addr", "")
	v.SetDefault("cache_ttl", 10*time.Minute)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetEnvPrefix("SCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.APIKey == "" {
		return config{}, fmt.Errorf("api_key is required (set SCRAPE_API_KEY)")
	}

	return cfg, nil
}
