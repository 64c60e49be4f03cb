// Package config loads CLI configuration from file, environment and
// defaults using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the enginecache CLI.
type Config struct {
	ManifestURL string        `mapstructure:"manifestUrl"`
	Root        string        `mapstructure:"root"`
	ManifestTTL time.Duration `mapstructure:"manifestTtl"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
	Cull        CullConfig    `mapstructure:"cull"`
}

// CullConfig holds retention policy settings.
type CullConfig struct {
	MaxInstallations int           `mapstructure:"maxInstallations"`
	MaxAge           time.Duration `mapstructure:"maxAge"`
	Interval         time.Duration `mapstructure:"interval"`
}

// Load reads configuration from the given file (optional), the
// ENGINECACHE_* environment and built-in defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("root", defaultRoot())
	v.SetDefault("manifestTtl", 5*time.Minute)
	v.SetDefault("httpTimeout", 0)
	v.SetDefault("cull.maxInstallations", 4)
	v.SetDefault("cull.maxAge", 30*24*time.Hour)
	v.SetDefault("cull.interval", time.Hour)

	v.SetEnvPrefix("enginecache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("manifestUrl must be set (flag, config file or ENGINECACHE_MANIFESTURL)")
	}

	return &cfg, nil
}

func defaultRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "enginecache")
	}
	return filepath.Join(os.TempDir(), "enginecache")
}
