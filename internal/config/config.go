// Package config provides configuration management for compcache.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	// Cache settings
	CacheDir     string `mapstructure:"cache_dir"`
	MaxCacheSize int64  `mapstructure:"max_cache_size"`
	Disabled     bool   `mapstructure:"disabled"`

	// Hashing settings
	PreprocessHash bool `mapstructure:"preprocess_hash"`

	// Execution settings
	Prefix string `mapstructure:"prefix"`
	Debug  bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("cache_dir", filepath.Join(homeDir(), ".compcache", "cache"))
	v.SetDefault("max_cache_size", int64(5*1024*1024*1024))
	v.SetDefault("disabled", false)
	v.SetDefault("preprocess_hash", true)
	v.SetDefault("prefix", "")
	v.SetDefault("debug", false)

	// Configure viper for environment variables
	v.SetEnvPrefix("COMPCACHE")
	v.AutomaticEnv()

	// Bind specific environment variables
	v.BindEnv("cache_dir", "COMPCACHE_DIR")
	v.BindEnv("disabled", "COMPCACHE_DISABLE")
	v.BindEnv("preprocess_hash", "COMPCACHE_PREPROCESS_HASH")
	v.BindEnv("prefix", "COMPCACHE_PREFIX")
	v.BindEnv("debug", "COMPCACHE_DEBUG")

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config file in standard locations
		v.SetConfigName(".compcache")
		v.SetConfigType("json")
		v.AddConfigPath(homeDir())
		v.AddConfigPath(filepath.Join(homeDir(), ".compcache"))
		v.AddConfigPath(".")
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &config, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp"
	}
	return home
}
