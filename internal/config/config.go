// Package config defines all configuration for the exchange core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via EXCH_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig sets where the authoritative SQLite store lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the order-book cache connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LockConfig tunes the per-market matching lock.
//
//   - TTL: how long a crashed holder can block a market.
//   - Retries / RetryDelay: the acquisition budget before giving up.
type LockConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// EngineConfig tunes matching-path policy.
//
//   - SelfTrade: "allow" executes self-matches, "skip" passes over makers
//     owned by the taker's account.
//   - CacheRetries: attempts per order-book cache mutation before the
//     market cache is cleared and rebuilt.
type EngineConfig struct {
	SelfTrade    string `mapstructure:"self_trade"`
	CacheRetries int    `mapstructure:"cache_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.path", "data/exchange.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("lock.ttl", "5s")
	v.SetDefault("lock.retries", 10)
	v.SetDefault("lock.retry_delay", "50ms")
	v.SetDefault("engine.self_trade", "allow")
	v.SetDefault("engine.cache_retries", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	if c.Lock.Retries <= 0 {
		return fmt.Errorf("lock.retries must be > 0")
	}
	switch c.Engine.SelfTrade {
	case "allow", "skip":
	default:
		return fmt.Errorf("engine.self_trade must be one of: allow, skip")
	}
	if c.Engine.CacheRetries <= 0 {
		return fmt.Errorf("engine.cache_retries must be > 0")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	return nil
}
