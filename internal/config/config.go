package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is read once at process start and threaded explicitly into the
// components that need it; there is no global mutable configuration.
type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	RoomURL   string `mapstructure:"room_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	RoomName    string `mapstructure:"room_name"`
	RoomPerCall bool   `mapstructure:"room_per_call"`
	Identity    string `mapstructure:"identity"`

	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
}

// Load reads the optional yaml file for the current CONFIG_ENV and lets
// the room-service environment variables override it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("room_name", "twilio-room")
	v.SetDefault("room_per_call", false)
	v.SetDefault("identity", "twilio-caller")
	v.SetDefault("keep_alive_interval", "250ms")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("token_ttl", "1h")

	_ = v.BindEnv("room_url", "LIVEKIT_URL")
	_ = v.BindEnv("api_key", "LIVEKIT_API_KEY")
	_ = v.BindEnv("api_secret", "LIVEKIT_API_SECRET")
	_ = v.BindEnv("port", "PORT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
