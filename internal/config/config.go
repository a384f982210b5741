package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Workload fill modes
const (
	FillRandom = "random"
	FillOnes   = "ones"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Device struct {
		// Backend is "auto", "emulated" or "occa"
		Backend string `yaml:"backend"`
		// Properties are the OCCA device properties as JSON
		Properties string `yaml:"properties"`
		// Platform overrides the emulated platform name
		Platform         string `yaml:"platform"`
		MemoryLimitBytes int64  `yaml:"memoryLimitBytes"`
	} `yaml:"device"`
	Workload struct {
		Seed int64  `yaml:"seed"`
		Fill string `yaml:"fill"`
	} `yaml:"workload"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
	Report struct {
		Path string `yaml:"path"`
	} `yaml:"report"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "console"
	c.Device.Backend = "auto"
	c.Device.Properties = `{"mode": "Serial"}`
	c.Device.MemoryLimitBytes = 64 << 20
	c.Workload.Seed = 1
	c.Workload.Fill = FillRandom
	return &c
}

// LoadConfig reads the yaml file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "auto", "emulated", "occa":
	default:
		return fmt.Errorf("device.backend must be auto, emulated or occa, got %q", c.Device.Backend)
	}
	switch c.Workload.Fill {
	case FillRandom, FillOnes:
	default:
		return fmt.Errorf("workload.fill must be %s or %s, got %q", FillRandom, FillOnes, c.Workload.Fill)
	}
	if c.Device.MemoryLimitBytes <= 0 {
		return fmt.Errorf("device.memoryLimitBytes must be positive, got %d", c.Device.MemoryLimitBytes)
	}
	return nil
}
