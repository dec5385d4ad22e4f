package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type SerialConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type NegotiationConfig struct {
	// ProfileOverrides names a YAML file merged over the builtin
	// manufacturer table.
	ProfileOverrides string        `mapstructure:"profile_overrides"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads the optional YAML config file and binds the environment.
// A missing file is fine; environment variables and defaults carry.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults setzen
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.url", "sqlite://sessions.db")
	v.SetDefault("serial.default_timeout", "1s")
	v.SetDefault("negotiation.default_timeout", "500ms")
	v.SetDefault("log.level", "info")

	// Environment Variables binden
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "SESSION_DB_URL")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
