package config

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml
type Config struct {
	TickMS          int        `yaml:"tick_ms"`            // 5 (by default)
	IdleWindowMS    int        `yaml:"idle_window_ms"`     // 50 (by default)
	LogLevel        string     `yaml:"log_level"`          // info (by default)
	TraceRatePerSec int        `yaml:"trace_rate_per_sec"` // 10 (by default), 0 = unthrottled
	Demo            DemoConfig `yaml:"demo"`
}

// DemoConfig sizes the workload cmd/idlesched posts.
type DemoConfig struct {
	Tasks      int `yaml:"tasks"`
	Delayed    int `yaml:"delayed"`
	DurationMS int `yaml:"duration_ms"`
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		TickMS:          5,
		IdleWindowMS:    50,
		LogLevel:        "info",
		TraceRatePerSec: 10,
		Demo: DemoConfig{
			Tasks:      8,
			Delayed:    4,
			DurationMS: 500,
		},
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
// Any read or parse failure silently yields defaults; use LoadWithErr to see it.
func Load(path string) Config {
	cfg, _ := LoadWithErr(path)
	return cfg
}

// LoadWithErr is Load that also reports why the file was not applied.
func LoadWithErr(path string) (Config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultConfig(), fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

// sanity clamps
func (c *Config) clamp() {
	def := defaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.IdleWindowMS <= 0 {
		c.IdleWindowMS = def.IdleWindowMS
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.TraceRatePerSec < 0 {
		c.TraceRatePerSec = 0
	}
	if c.Demo.Tasks < 0 {
		c.Demo.Tasks = 0
	}
	if c.Demo.Delayed < 0 {
		c.Demo.Delayed = 0
	}
	if c.Demo.DurationMS <= 0 {
		c.Demo.DurationMS = def.Demo.DurationMS
	}
}

func (c Config) Tick() time.Duration       { return time.Duration(c.TickMS) * time.Millisecond }
func (c Config) IdleWindow() time.Duration { return time.Duration(c.IdleWindowMS) * time.Millisecond }
func (c Config) DemoDuration() time.Duration {
	return time.Duration(c.Demo.DurationMS) * time.Millisecond
}
