package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration knobs for the daemon.
type Config struct {
	Sysfs struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"sysfs"`
	Uevent struct {
		KernelSocket string `mapstructure:"kernel_socket"`
		UdevSocket   string `mapstructure:"udev_socket"`
	} `mapstructure:"uevent"`
	Store struct {
		Root string `mapstructure:"root"`
	} `mapstructure:"store"`
	Bus struct {
		Addr string `mapstructure:"addr"`
		Auth struct {
			Enabled   bool   `mapstructure:"enabled"`
			Username  string `mapstructure:"username"`
			Password  string `mapstructure:"password"`
			JWTSecret string `mapstructure:"jwt_secret"`
		} `mapstructure:"auth"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"bus"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Watchdog struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"watchdog"`
}

// Load reads the configuration from disk/environment using Viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("tbauthd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// v.ReadInConfig returns error if file missing; ignore if not found to allow env-only config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sysfs.root", "/sys")

	v.SetDefault("uevent.kernel_socket", "kernel")
	v.SetDefault("uevent.udev_socket", "udev")

	v.SetDefault("store.root", "/var/lib/tbauthd")

	v.SetDefault("bus.addr", ":8090")
	v.SetDefault("bus.read_timeout", "15s")
	v.SetDefault("bus.write_timeout", "30s")
	v.SetDefault("bus.auth.enabled", true)
	v.SetDefault("bus.auth.username", "root")
	v.SetDefault("bus.auth.password", "")
	v.SetDefault("bus.auth.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("watchdog.enabled", false)
}
