// Package config binds process-level configuration for the netlev
// shuffle server and client binaries, grounded on dittofs's
// viper-backed Config/Load pattern (pkg/config/config.go) but scoped
// to the knobs a standalone process needs versus what the host control
// channel's INIT command supplies at runtime (internal/control).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/netlev/rdmashuffle/internal/constants"
)

// Config is the static bring-up configuration for one engine process:
// the values needed before any job has connected. An INIT command does
// not modify it; the client binary takes only its output directory from
// INIT's first local dir, and Addr, LogLevel and MetricsAddr have no INIT
// counterpart at all.
type Config struct {
	// Addr is the "host:port" (server) or default port (client) the
	// RDMA connection manager binds or dials.
	Addr string `mapstructure:"addr"`

	// RDMABufSize is the default per-fetch chunk size.
	RDMABufSize int `mapstructure:"rdma_buf_size"`

	// NumPairs is the number of paired buffer slots carved out of the
	// registered memory region.
	NumPairs int `mapstructure:"num_pairs"`

	// WqeDepth sizes the verbs send/recv queues and completion queue.
	// The number of receives posted and credits granted per connection
	// comes from constants.WqesPerConn, not from this field.
	WqeDepth int `mapstructure:"wqe_depth"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr is the address the Prometheus HTTP handler listens
	// on. Empty disables metrics.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// LocalDirs lists directories map output files may live under,
	// mirroring INIT's num_local_dirs/local_dirs fields.
	LocalDirs []string `mapstructure:"local_dirs"`
}

// Defaults returns the configuration a process starts from before any
// config file, environment variable, or flag override is applied.
func Defaults() *Config {
	return &Config{
		Addr:        ":6633",
		RDMABufSize: constants.DefaultRDMABufSize,
		NumPairs:    constants.RdmaMemChunksNum,
		WqeDepth:    constants.WqesPerConn,
		LogLevel:    "info",
		MetricsAddr: "",
	}
}

// Load builds a Config from, in ascending precedence: built-in
// defaults, an optional YAML/TOML config file, and NETLEV_-prefixed
// environment variables (NETLEV_RDMA_BUF_SIZE overrides rdma_buf_size,
// mirroring dittofs's DITTOFS_ env convention).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NETLEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("rdma_buf_size", def.RDMABufSize)
	v.SetDefault("num_pairs", def.NumPairs)
	v.SetDefault("wqe_depth", def.WqeDepth)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
