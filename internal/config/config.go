package config

import (
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker" yaml:"broker"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	WS       WSConfig       `mapstructure:"ws" yaml:"ws"`
	JWT      JWTConfig      `mapstructure:"jwt" yaml:"jwt"`
}

// LogConfig selects log verbosity and output format (console or json).
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DatabaseConfig selects the identity and content store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the sqlite file.
	Path string `mapstructure:"path" yaml:"path"`
	// URL is the postgres connection string.
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig is the broker and cache connection descriptor.
type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Password string `mapstructure:"password" yaml:"password"`
}

// BrokerConfig tunes the pub/sub adapter.
type BrokerConfig struct {
	Transport           string        `mapstructure:"transport" yaml:"transport"`
	ReconnectAttempts   uint          `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	ReconnectMaxElapsed time.Duration `mapstructure:"reconnect_max_elapsed" yaml:"reconnect_max_elapsed"`
	BreakerFailures     uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
	Buffer              int           `mapstructure:"buffer" yaml:"buffer"`
}

// CacheConfig selects the cache backend and entry lifetimes.
type CacheConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	IdentityTTL time.Duration `mapstructure:"identity_ttl" yaml:"identity_ttl"`
	ListingTTL  time.Duration `mapstructure:"listing_ttl" yaml:"listing_ttl"`
}

// WSConfig tunes client connections.
type WSConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	GracePeriod     time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// RateLimit is inbound frames per second per connection; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	// OriginPatterns lists allowed cross-origin hosts; empty allows any.
	OriginPatterns []string `mapstructure:"origin_patterns" yaml:"origin_patterns"`
}

// JWTConfig holds token settings for /auth/login and /ws?token=.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "wiregate.db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Broker: BrokerConfig{
			Transport:           "redis",
			ReconnectAttempts:   10,
			ReconnectInitial:    100 * time.Millisecond,
			ReconnectMax:        5 * time.Second,
			ReconnectMaxElapsed: time.Minute,
			BreakerFailures:     5,
			BreakerTimeout:      10 * time.Second,
			Buffer:              64,
		},
		Cache: CacheConfig{
			Backend:     "memory",
			IdentityTTL: 5 * time.Minute,
			ListingTTL:  time.Minute,
		},
		WS: WSConfig{
			SendBuffer:      32,
			GracePeriod:     2 * time.Second,
			WriteTimeout:    5 * time.Second,
			MaxMessageBytes: 64 << 10,
			RateLimit:       20,
			RateBurst:       40,
		},
		JWT: JWTConfig{
			Secret:   "change-me",
			Issuer:   "wiregate",
			Audience: "wiregate",
			TTL:      24 * time.Hour,
		},
	}
}

// Validate rejects unknown backends and unusable limits.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Broker.Transport {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown broker.transport %q", c.Broker.Transport)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("ws.send_buffer must be positive")
	}
	if c.WS.GracePeriod <= 0 {
		return fmt.Errorf("ws.grace_period must be positive")
	}
	if c.WS.RateLimit < 0 {
		return fmt.Errorf("ws.rate_limit must not be negative")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
