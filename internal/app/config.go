package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the consultation client.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Socket  SocketConfig  `mapstructure:"socket"`
	Session SessionConfig `mapstructure:"session"`
	Media   MediaConfig   `mapstructure:"media"`
}

// ClientConfig describes how to reach the platform backend.
type ClientConfig struct {
	APIBaseURL  string        `mapstructure:"api_base_url"`
	SocketURL   string        `mapstructure:"socket_url"`
	Token       string        `mapstructure:"token"`
	UserID      string        `mapstructure:"user_id"`
	LogLevel    string        `mapstructure:"log_level"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

// SocketConfig tunes the realtime event channels.
type SocketConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
}

// SessionConfig tunes session timing and billing preconditions.
type SessionConfig struct {
	DriftThresholdSeconds int `mapstructure:"drift_threshold_seconds"`
	MinimumReserveMinutes int `mapstructure:"minimum_reserve_minutes"`
	DefaultMaxSeconds     int `mapstructure:"default_max_seconds"`
}

// MediaConfig tunes the call media handshake.
type MediaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	AppID   string `mapstructure:"app_id"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(cfg *Config) error {
	if cfg.Socket.ReconnectAttempts < 0 {
		return errors.New("config: socket.reconnect_attempts must not be negative")
	}
	if cfg.Session.DriftThresholdSeconds < 0 {
		return errors.New("config: session.drift_threshold_seconds must not be negative")
	}
	if cfg.Session.MinimumReserveMinutes <= 0 {
		return errors.New("config: session.minimum_reserve_minutes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.api_base_url", "http://localhost:3001/api")
	v.SetDefault("client.socket_url", "ws://localhost:3001")
	v.SetDefault("client.log_level", "info")
	v.SetDefault("client.timeout", "10s")
	v.SetDefault("client.metrics_addr", "")

	v.SetDefault("socket.connect_timeout", "10s")
	v.SetDefault("socket.reconnect_attempts", 5)
	v.SetDefault("socket.reconnect_delay", "1s")
	v.SetDefault("socket.write_timeout", "10s")
	v.SetDefault("socket.pong_timeout", "60s")

	v.SetDefault("session.drift_threshold_seconds", 2)
	v.SetDefault("session.minimum_reserve_minutes", 5)
	v.SetDefault("session.default_max_seconds", 300)

	v.SetDefault("media.enabled", true)
	v.SetDefault("media.app_id", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
