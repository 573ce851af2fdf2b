// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/policyspider/spiderd/internal/spider"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig          `mapstructure:"server"`
	Auth    AuthConfig            `mapstructure:"auth"`
	Logging LoggingConfig         `mapstructure:"logging"`
	Redis   RedisConfig           `mapstructure:"redis"`
	Crawler CrawlerConfig         `mapstructure:"crawler"`
	Storage StorageConfig         `mapstructure:"storage"`
	Targets []spider.TargetConfig `mapstructure:"targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RedisConfig controls access to the backing store.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	DialTimeoutSec int    `mapstructure:"dial_timeout_seconds"`
}

// StorageConfig sets where fetched documents are written.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// CrawlerConfig governs run behavior shared by every target.
type CrawlerConfig struct {
	UserAgent               string `mapstructure:"user_agent"`
	DelayMs                 int    `mapstructure:"delay_ms"`
	TimeoutSeconds          int    `mapstructure:"timeout_seconds"`
	ErrorThreshold          int64  `mapstructure:"error_threshold"`
	ErrorLedgerSize         int64  `mapstructure:"error_ledger_size"`
	CheckpointEvery         int    `mapstructure:"checkpoint_every"`
	LeaseSeconds            int    `mapstructure:"lease_seconds"`
	HeartbeatSeconds        int    `mapstructure:"heartbeat_seconds"`
	MaxConsecutiveFailures  int    `mapstructure:"max_consecutive_failures"`
	MaxConsecutiveEmptyPage int    `mapstructure:"max_consecutive_empty_pages"`
	MaxDuplicates           int    `mapstructure:"max_duplicates"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout_seconds", 5)
	v.SetDefault("storage.dir", "data/documents")
	v.SetDefault("crawler.user_agent", "policyspider-bot/0.1")
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.error_threshold", 100)
	v.SetDefault("crawler.error_ledger_size", 100)
	v.SetDefault("crawler.checkpoint_every", 10)
	v.SetDefault("crawler.lease_seconds", 30)
	v.SetDefault("crawler.heartbeat_seconds", 10)
	v.SetDefault("crawler.max_consecutive_failures", 100)
	v.SetDefault("crawler.max_consecutive_empty_pages", 3)
	v.SetDefault("crawler.max_duplicates", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Crawler.ErrorThreshold <= 0 {
		return fmt.Errorf("crawler.error_threshold must be > 0")
	}
	if c.Crawler.LeaseSeconds <= 0 {
		return fmt.Errorf("crawler.lease_seconds must be > 0")
	}
	if c.Crawler.HeartbeatSeconds >= c.Crawler.LeaseSeconds {
		return fmt.Errorf("crawler.heartbeat_seconds must be < crawler.lease_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, target := range c.Targets {
		if target.Key == "" {
			return fmt.Errorf("targets[%d].key must be set", i)
		}
		if _, dup := seen[target.Key]; dup {
			return fmt.Errorf("duplicate target key %q", target.Key)
		}
		seen[target.Key] = struct{}{}
		if target.ListURL == "" {
			return fmt.Errorf("target %q: list_url must be set", target.Key)
		}
		if target.PerPage <= 0 {
			return fmt.Errorf("target %q: per_page must be > 0", target.Key)
		}
		if len(target.Sections) == 0 {
			return fmt.Errorf("target %q: at least one section required", target.Key)
		}
		for j, section := range target.Sections {
			if section.ID == "" {
				return fmt.Errorf("target %q: sections[%d].id must be set", target.Key, j)
			}
		}
	}
	return nil
}

// RequestTimeout converts the server timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// Lease converts the owner lease setting into a duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Crawler.LeaseSeconds) * time.Second
}

// Heartbeat converts the lease renewal cadence into a duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Crawler.HeartbeatSeconds) * time.Second
}

// Delay converts the politeness delay into a duration.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// FetchTimeout converts the per-request timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
