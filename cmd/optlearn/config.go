package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the optlearn configuration file
// (~/.config/optlearn/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Backend      string `yaml:"backend"`
	DeviceID     *int64 `yaml:"device_id"`
	MCIterations *int64 `yaml:"mc_iterations"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "optlearn", "config.yaml")
}

// applyCommonConfig applies config file defaults wherever the corresponding
// CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.DeviceID != nil && !c.IsSet("device") {
		deviceID = *cfg.DeviceID
	}
	if cfg.MCIterations != nil && !c.IsSet("mc-iterations") {
		mcIterations = *cfg.MCIterations
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyCommonConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
