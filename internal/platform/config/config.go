package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP control surface configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// EngineConfig holds the playback engine tunables.
type EngineConfig struct {
	InitialBufferSize   int    `mapstructure:"initial_buffer_size"`
	PollIntervalMS      int    `mapstructure:"poll_interval_ms"`
	PollTimeoutMS       int    `mapstructure:"poll_timeout_ms"`
	Phase1BatchSize     int    `mapstructure:"phase1_batch_size"`
	Phase2BatchSize     int    `mapstructure:"phase2_batch_size"`
	Phase2Concurrency   int    `mapstructure:"phase2_concurrency"`
	GlobalPlayBatchSize int    `mapstructure:"global_play_batch_size"`
	FPS                 int    `mapstructure:"fps"`
	MaxCacheEntries     int    `mapstructure:"max_cache_entries"`
	MaxCacheBytes       int64  `mapstructure:"max_cache_bytes"`
	DecodeTimeoutMS     int    `mapstructure:"decode_timeout_ms"`
	Resolution          string `mapstructure:"resolution"`
}

// StoreConfig holds the local clip archive configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the documented engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Engine: EngineConfig{
			InitialBufferSize:   20,
			PollIntervalMS:      50,
			PollTimeoutMS:       10_000,
			Phase1BatchSize:     50,
			Phase2BatchSize:     50,
			Phase2Concurrency:   4,
			GlobalPlayBatchSize: 4,
			FPS:                 30,
			MaxCacheEntries:     200,
			MaxCacheBytes:       300 << 20,
			DecodeTimeoutMS:     5_000,
			Resolution:          "standard",
		},
		Store:   StoreConfig{Path: "cineloop.db"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from the given file (optional) and environment,
// layered over the defaults. Environment variables use the CINELOOP_ prefix.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cineloop")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CINELOOP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Missing config file is fine, defaults and env apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}
