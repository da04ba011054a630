// Package config provides configuration loading and management for iplreg.
// It handles loading configuration from YAML or TOML files and provides
// default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"iplreg/pkg/minc"
	"iplreg/pkg/registration"
	"iplreg/pkg/stages"
	"iplreg/pkg/tracing"
)

// Config represents the application configuration
type Config struct {
	// Tools names the MINC programs; empty entries use the standard names
	Tools minc.Binaries `yaml:"tools" toml:"tools"`

	// Linear registration defaults
	Linear struct {
		// Parameters is the transform family flag
		Parameters string `yaml:"parameters" toml:"parameters"`

		// Objective is the objective function flag
		Objective string `yaml:"objective" toml:"objective"`

		// Conf is a preset name, a stage file or an external program
		Conf string `yaml:"conf" toml:"conf"`
	} `yaml:"linear" toml:"linear"`

	// Non-linear registration defaults
	Nonlinear struct {
		// Start is the coarsest step size in mm
		Start float64 `yaml:"start" toml:"start"`

		// Level is the finest step size in mm
		Level float64 `yaml:"level" toml:"level"`
	} `yaml:"nonlinear" toml:"nonlinear"`

	// WorkDir holds the artifact cache shared between runs
	WorkDir string `yaml:"workDir" toml:"workDir"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose int `yaml:"verbose" toml:"verbose"`

		// LogFile receives JSON logs instead of the terminal
		LogFile string `yaml:"logFile" toml:"logFile"`

		// KeepTemp leaves run-scoped temporary files in the work directory
		KeepTemp bool `yaml:"keepTemp" toml:"keepTemp"`
	} `yaml:"output" toml:"output"`

	Tracing tracing.Config `yaml:"tracing" toml:"tracing"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Tools = minc.DefaultBinaries()

	// the command line always constrains the run to six parameters unless
	// told otherwise
	cfg.Linear.Parameters = "-lsq6"
	cfg.Linear.Objective = registration.DefaultObjective
	cfg.Linear.Conf = "bestlinreg_s2"

	cfg.Nonlinear.Start = registration.DefaultStart
	cfg.Nonlinear.Level = registration.DefaultLevel

	cfg.Tracing.Exporter = "none"

	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by
// extension. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise only fail mid-run
func (c *Config) Validate() error {
	if c.Nonlinear.Start < 0 || c.Nonlinear.Level < 0 {
		return fmt.Errorf("%w: negative non-linear step", stages.ErrConfiguration)
	}
	if c.Nonlinear.Start > 0 && c.Nonlinear.Level > c.Nonlinear.Start {
		return fmt.Errorf("%w: non-linear level %g is coarser than start %g",
			stages.ErrConfiguration, c.Nonlinear.Level, c.Nonlinear.Start)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("%w: unknown trace exporter %q", stages.ErrConfiguration, c.Tracing.Exporter)
	}
	return nil
}

// SaveConfig saves the configuration, as TOML for a .toml path and YAML
// otherwise
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
