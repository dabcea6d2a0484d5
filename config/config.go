package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory
const FileName = "vtest.yaml"

// Config holds the settings of a vtest run
type Config struct {
	// Directory test files and modules are resolved against
	Root string `yaml:"root"`

	// Directory name holding manual module overrides
	MocksDir string `yaml:"mocksDir"`

	// Path segment marking third-party modules
	DependencyDir string `yaml:"dependencyDir"`

	// Upper bound of concurrently running tests, 0 means unbounded
	MaxConcurrency int `yaml:"maxConcurrency"`

	// Spy cleanup applied after each file, the strongest level wins
	ClearMocks   bool `yaml:"clearMocks"`
	MockReset    bool `yaml:"mockReset"`
	RestoreMocks bool `yaml:"restoreMocks"`

	// Directory holding the run history
	HistoryDir string `yaml:"historyDir"`

	// Listen address of the metrics endpoint, empty disables it
	MetricsAddr string `yaml:"metricsAddr"`

	// Command transforming data modules, the module id is appended
	TransformCommand string `yaml:"transformCommand"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration at path. A missing file yields the defaults.
func Load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
