// Package config loads runtime configuration for the gembatch binary.
//
// Precedence: defaults, then an optional config file, then environment
// variables with the GEMBATCH_ prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Cache   CacheConfig   `mapstructure:"cache"`

	// Manifest is the path to the pipeline manifest. Empty uses the
	// compile-time quota caps.
	Manifest string `mapstructure:"manifest"`

	// SweepInterval is the period of the admission sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// PollInterval is the period of the completion poll.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig locates the job database.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// BatchConfig configures the external batch prediction service client.
type BatchConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AuthToken      string        `mapstructure:"auth_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
}

// CacheConfig configures the durable blob cache.
type CacheConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Load reads configuration from defaults, an optional file, and environment.
//
// path may be empty, in which case only defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.path", "gembatch.db")
	v.SetDefault("batch.base_url", "")
	v.SetDefault("batch.request_timeout", 30*time.Second)
	v.SetDefault("batch.submit_timeout", 60*time.Second)
	v.SetDefault("batch.rate_limit", 0.0)
	v.SetDefault("sweep_interval", 30*time.Second)
	v.SetDefault("poll_interval", 60*time.Second)

	v.SetEnvPrefix("GEMBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decode := func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if err := v.Unmarshal(&cfg, viper.DecoderConfigOption(decode)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}
