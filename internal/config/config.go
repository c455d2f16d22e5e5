package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	DatabaseURL string `mapstructure:"database_url"`

	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	SpaceLogSize     int           `mapstructure:"space_log_size"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

// Load reads config.<env>.yaml (env from CONFIG_ENV, default "dev") merged
// over defaults, with MDK_-prefixed environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("database_url", "")
	v.SetDefault("heartbeat_timeout", "30s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("event_buffer", 256)
	v.SetDefault("space_log_size", 256)
	v.SetDefault("token_ttl", "12h")

	v.SetEnvPrefix("MDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Missing config file is fine; defaults plus env cover dev setups.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &cfg, nil
}
