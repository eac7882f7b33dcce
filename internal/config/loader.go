package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "WIREGATE"
	envConfigDefaultPath = "WIREGATE_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"addr":             "addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"db-driver":        "database.driver",
	"db-path":          "database.path",
	"db-url":           "database.url",
	"redis-host":       "redis.host",
	"redis-port":       "redis.port",
	"broker-transport": "broker.transport",
	"cache-backend":    "cache.backend",
}

// RegisterFlags defines the overridable settings on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("addr", def.Addr, "HTTP listen address")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.String("log-format", def.Log.Format, "log format (console, json)")
	fs.String("db-driver", def.Database.Driver, "store driver (sqlite, postgres)")
	fs.String("db-path", def.Database.Path, "sqlite database file")
	fs.String("db-url", def.Database.URL, "postgres connection URL")
	fs.String("redis-host", def.Redis.Host, "redis host")
	fs.Int("redis-port", def.Redis.Port, "redis port")
	fs.String("broker-transport", def.Broker.Transport, "broker transport (redis, memory)")
	fs.String("cache-backend", def.Cache.Backend, "cache backend (memory, redis)")
}

// Load builds configuration from defaults, optional config file, env vars and
// flags, and returns the resolved path.
// Precedence: defaults < config file < env vars < flags set on fs.
func Load(logger *zerolog.Logger, explicitPath string, fs *pflag.FlagSet) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if err := setDefaults(v, cfg); err != nil {
		return cfg, "", err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return cfg, "", fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configPath, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key of cfg so nested values can be overridden
// from the environment.
func setDefaults(v *viper.Viper, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	setTree(v, "", tree)
	return nil
}

func setTree(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setTree(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
