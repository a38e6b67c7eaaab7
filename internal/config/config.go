package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	MaxMessageBytes int64  `mapstructure:"max_message_bytes"`
}

type LimitsConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	JoinsPerMinute    float64 `mapstructure:"joins_per_minute"`
}

type AuthConfig struct {
	// Empty disables room authorization entirely.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ArchiveConfig struct {
	// Empty disables the snapshot archive and its API routes.
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from defaults, an optional yaml file, and
// RELAY_-prefixed environment variables, in increasing precedence.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":1234")
	v.SetDefault("server.max_message_bytes", 1024*1024)
	v.SetDefault("limits.messages_per_second", 100)
	v.SetDefault("limits.burst", 200)
	v.SetDefault("limits.joins_per_minute", 60)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("archive.path", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LogLevel translates the configured level string to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
