package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"hotflip/internal/charlstm"
	"hotflip/internal/train"
)

// Config holds all hotflip configuration.
type Config struct {
	// Name selects the checkpoint to load or save.
	Name string `yaml:"name"`

	// Classifier geometry
	Model charlstm.Config `yaml:"model"`

	// Dataset splits
	Data DataConfig `yaml:"data"`

	// Attack settings
	Attack AttackConfig `yaml:"attack"`

	// Optimizer settings for the train command
	Train train.Config `yaml:"train"`

	// Output files
	Output OutputConfig `yaml:"output"`

	// Checkpoint and run database
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the reference attack setup.
func DefaultConfig() *Config {
	return &Config{
		Name:  "charlstm",
		Model: charlstm.DefaultConfig(),
		Data: DataConfig{
			Dir:       "data",
			TrainFile: "train.txt",
			TestFile:  "test.txt",
			ValidFile: "valid.txt",
		},
		Attack: AttackConfig{
			BatchSize:        64,
			BeamWidth:        1,
			MaxChars:         10,
			ProtectStructure: true,
			SampleSeed:       1,
			MaxResultCells:   1 << 28,
		},
		Train: train.DefaultConfig(),
		Output: OutputConfig{
			Dir:     "out",
			Outfile: "charlstm_hotflip",
		},
		Store: StoreConfig{
			Path: filepath.Join(".hotflip", "hotflip.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults still honor the environment
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("HOTFLIP_DB"); path != "" {
		c.Store.Path = path
	}
	if dir := os.Getenv("HOTFLIP_DATA"); dir != "" {
		c.Data.Dir = dir
	}
	if level := os.Getenv("HOTFLIP_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// CharLen is the encoded sequence length implied by the model geometry.
func (c *Config) CharLen() int {
	return c.Model.CharLen()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("checkpoint name is empty")
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Attack.validate(); err != nil {
		return err
	}
	if err := c.Options().Validate(); err != nil {
		return fmt.Errorf("attack: %w", err)
	}
	if err := c.Train.Validate(); err != nil {
		return err
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is empty")
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return nil
}
