package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Target    TargetConfig    `yaml:"target"`
	Installer InstallerConfig `yaml:"installer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TargetConfig struct {
	// Host is the IP address or hostname of the debug target.
	Host           string        `yaml:"host"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type InstallerConfig struct {
	Port int `yaml:"port"`
	// User is fixed by the target's installer; Password is the developer
	// password set on the device.
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type LoggingConfig struct {
	Verbosity int `yaml:"verbosity"`
}

func Default() *Config {
	return &Config{
		Target: TargetConfig{
			ConnectTimeout: 60 * time.Second,
		},
		Installer: InstallerConfig{
			Port: 80,
			User: "rokudev",
		},
		Logging: LoggingConfig{
			Verbosity: 0,
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
