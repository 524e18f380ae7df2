package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	StoreBackend string        `mapstructure:"store_backend"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`

	UserID string `mapstructure:"user_id"`

	MaxMembers        int           `mapstructure:"max_members"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	MemberDebounce    time.Duration `mapstructure:"member_debounce"`
	DirectoryTTL      time.Duration `mapstructure:"directory_ttl"`
	LeaveCooldown     time.Duration `mapstructure:"leave_cooldown"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 7350)
	v.SetDefault("secret", "huddle-local-secret")
	v.SetDefault("store_backend", "memory")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("heartbeat_ttl", "15s")
	v.SetDefault("max_members", 10)
	v.SetDefault("reconnect_attempts", 3)
	v.SetDefault("reconnect_backoff", "3s")
	v.SetDefault("member_debounce", "300ms")
	v.SetDefault("directory_ttl", "5s")
	v.SetDefault("leave_cooldown", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
