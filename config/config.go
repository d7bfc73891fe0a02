// Package config loads the daemon configuration from config.yaml with
// sane defaults for every key, so the sensor runs without a file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config wraps a viper instance with dot-notation access.
type Config struct {
	v *viper.Viper
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	return &Config{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "privmon")
	v.SetDefault("app.debug", false)

	v.SetDefault("database.path", "data/privmon.db")
	v.SetDefault("baseline.dir", "data/baselines")

	v.SetDefault("detection.anomaly_enabled", true)
	v.SetDefault("detection.anomaly_config.deviation_threshold", 2.0)
	v.SetDefault("detection.anomaly_config.window_seconds", 60)

	v.SetDefault("performance.worker_threads", 2)
	v.SetDefault("performance.queue_size", 1000)

	v.SetDefault("alerts.rate_limit.max_alerts_per_minute", 30)

	v.SetDefault("whitelist.processes", []string{})
	v.SetDefault("whitelist.users", []string{})

	v.SetDefault("sigma.enabled", true)
	v.SetDefault("sigma.rules_dir", "rules")
	v.SetDefault("sigma.poll_interval_seconds", 5)

	v.SetDefault("forwarder.enabled", false)
	v.SetDefault("forwarder.url", "")
	v.SetDefault("forwarder.api_key", "")
	v.SetDefault("forwarder.machine_name", "")
	v.SetDefault("forwarder.state_path", "data/forwarder_state.json")
	v.SetDefault("forwarder.poll_interval_seconds", 30)
	v.SetDefault("forwarder.batch_size", 50)

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.listen_addr", ":8080")
}

func (c *Config) GetString(key string) string        { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int              { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool            { return c.v.GetBool(key) }
func (c *Config) GetFloat64(key string) float64      { return c.v.GetFloat64(key) }
func (c *Config) GetStringSlice(key string) []string { return c.v.GetStringSlice(key) }

// Set overrides a value, used for flag overrides like --debug.
func (c *Config) Set(key string, value interface{}) { c.v.Set(key, value) }
