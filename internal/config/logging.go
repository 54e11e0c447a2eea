package config

import "hotflip/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format,omitempty"` // json, console
	File   string `yaml:"file" json:"file,omitempty"`     // optional extra output
}

func (l LoggingConfig) validate() error {
	_, err := logging.ParseLevel(l.Level)
	return err
}

// ToLogging converts to the logging package's config.
func (l LoggingConfig) ToLogging() logging.Config {
	return logging.Config{Level: l.Level, Format: l.Format, File: l.File}
}
