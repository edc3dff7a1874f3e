package config

// Package config provides a reusable loader for syncmesh world configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"syncmesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a syncmesh host or guest process.
// It mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Sync struct {
		RateHz int `mapstructure:"rate_hz" json:"rate_hz"`

		Pending struct {
			MaxAgeTicks int `mapstructure:"max_age_ticks" json:"max_age_ticks"`
			MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
			MaxQueue    int `mapstructure:"max_queue" json:"max_queue"`
		} `mapstructure:"pending" json:"pending"`

		StreamMaxAgeSeconds float64 `mapstructure:"stream_max_age_seconds" json:"stream_max_age_seconds"`
	} `mapstructure:"sync" json:"sync"`

	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		EnableNAT      bool     `mapstructure:"enable_nat" json:"enable_nat"`
	} `mapstructure:"network" json:"network"`

	Join struct {
		AllocationBlockSize uint64 `mapstructure:"allocation_block_size" json:"allocation_block_size"`
		MaxUsers            int    `mapstructure:"max_users" json:"max_users"`
		TimeoutSeconds      int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	} `mapstructure:"join" json:"join"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNCMESH_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNCMESH_ENV", ""))
}

// Defaults returns a Config populated with the values spec.md cites as
// defaults (20Hz sync rate, 400-tick/20-attempt pending retry bounds), used
// when no config file is present.
func Defaults() Config {
	var c Config
	c.Sync.RateHz = 20
	c.Sync.Pending.MaxAgeTicks = 400
	c.Sync.Pending.MaxAttempts = 20
	c.Sync.Pending.MaxQueue = 4096
	c.Sync.StreamMaxAgeSeconds = 2.0
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Network.DiscoveryTag = "syncmesh-world"
	c.Network.EnableNAT = true
	c.Join.AllocationBlockSize = DefaultAllocationBlockSize
	c.Join.MaxUsers = 64
	c.Join.TimeoutSeconds = 10
	c.Logging.Level = "info"
	c.Metrics.Enabled = true
	c.Metrics.ListenAddr = ":9090"
	return c
}

// DefaultAllocationBlockSize mirrors core.DefaultAllocationBlockSize without
// importing core, to keep this package free of a core -> config dependency
// cycle risk (core never imports pkg/config).
const DefaultAllocationBlockSize = 0x00FFFFFFFFFFFFFF
