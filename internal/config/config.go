// Package config loads node settings.
//
// Sources, later wins:
//
//  1. built-in defaults
//  2. optional YAML file (<home>/config.yaml, or an explicit path)
//  3. NEARLINK_* environment variables (nested keys join with "_",
//     e.g. NEARLINK_DISCOVERY_MIN_RSSI)
//  4. overrides, normally the command-line flags that were set
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "NEARLINK"
	ConfigFileName = "config.yaml"
)

type Discovery struct {
	MinRSSI       int           `mapstructure:"min_rssi"`
	Liveness      time.Duration `mapstructure:"liveness"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxSession    time.Duration `mapstructure:"max_session"`
}

type Config struct {
	Home             string        `mapstructure:"home"`
	DisplayName      string        `mapstructure:"display_name"`
	Listen           string        `mapstructure:"listen"`
	Database         string        `mapstructure:"database"`
	RedisURL         string        `mapstructure:"redis_url"`
	AutoAccept       bool          `mapstructure:"auto_accept"`
	Debug            bool          `mapstructure:"debug"`
	RotateInterval   time.Duration `mapstructure:"rotate_interval"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	Insecure         bool          `mapstructure:"insecure"`
	DevTLSCAPath     string        `mapstructure:"devtls_ca_path"`
	MetricsPath      string        `mapstructure:"metrics_path"`
	Discovery        Discovery     `mapstructure:"discovery"`
}

// DefaultHome is ~/.nearlink.
func DefaultHome() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".nearlink"
	}
	return filepath.Join(h, ".nearlink")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("home", DefaultHome())
	v.SetDefault("display_name", "")
	v.SetDefault("listen", "127.0.0.1:7447")
	v.SetDefault("database", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("auto_accept", false)
	v.SetDefault("debug", false)
	v.SetDefault("rotate_interval", 15*time.Minute)
	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("insecure", false)
	v.SetDefault("devtls_ca_path", "")
	v.SetDefault("metrics_path", "")
	v.SetDefault("discovery.min_rssi", -90)
	v.SetDefault("discovery.liveness", 10*time.Second)
	v.SetDefault("discovery.sweep_interval", 2*time.Second)
	v.SetDefault("discovery.max_session", 60*time.Second)
}

type LoadOptions struct {
	// File is an explicit config path; a missing explicit file is an error.
	File string
	// Overrides are applied last, keyed like the YAML ("discovery.min_rssi").
	Overrides map[string]any
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, ok := opts.Overrides["home"].(string); ok && home != "" {
		v.Set("home", home)
	}
	file := opts.File
	explicit := file != ""
	if !explicit {
		file = filepath.Join(v.GetString("home"), ConfigFileName)
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config %s: %w", file, err)
		}
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.Home, "nearlink.db")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.New("config: empty home")
	}
	if c.RotateInterval <= 0 || c.HandshakeTimeout <= 0 {
		return errors.New("config: intervals must be positive")
	}
	if c.Discovery.MinRSSI > 0 || c.Discovery.MinRSSI < -127 {
		return fmt.Errorf("config: discovery.min_rssi %d out of range", c.Discovery.MinRSSI)
	}
	if c.Discovery.Liveness <= 0 || c.Discovery.SweepInterval <= 0 || c.Discovery.MaxSession <= 0 {
		return errors.New("config: discovery durations must be positive")
	}
	return nil
}

// KeysDir is where the file key store keeps identity keys.
func (c *Config) KeysDir() string { return filepath.Join(c.Home, "keys") }
