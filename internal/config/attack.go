package config

import (
	"fmt"

	"hotflip/internal/dataset"
	"hotflip/internal/hotflip"
)

// AttackConfig configures the HotFlip attack.
type AttackConfig struct {
	BatchSize   int  `yaml:"batch_size"`
	BeamWidth   int  `yaml:"beam_width"`
	MaxChars    int  `yaml:"max_chars"`
	FanOut      int  `yaml:"fan_out"` // 0 means beam_width
	RequireGain bool `yaml:"require_gain"`

	// Samples > 0 attacks a random subset of the test split.
	Samples    int   `yaml:"samples"`
	SampleSeed int64 `yaml:"sample_seed"`

	// ProtectStructure keeps layout symbols (PAD, BOW, EOW, EOS, space) in place
	// and never introduces them.
	ProtectStructure bool `yaml:"protect_structure"`

	MaxResultCells int64 `yaml:"max_result_cells"`
}

func (a AttackConfig) validate() error {
	if a.Samples < 0 {
		return fmt.Errorf("attack samples must be >= 0, got %d", a.Samples)
	}
	return nil
}

// Options builds the attack options for the configured model.
func (c *Config) Options() hotflip.Options {
	opts := hotflip.DefaultOptions(c.CharLen(), c.Model.VocabSize)
	opts.BatchSize = c.Attack.BatchSize
	opts.BeamWidth = c.Attack.BeamWidth
	opts.MaxChars = c.Attack.MaxChars
	opts.FanOut = c.Attack.FanOut
	opts.RequireGain = c.Attack.RequireGain
	opts.MaxResultCells = c.Attack.MaxResultCells
	if c.Attack.ProtectStructure {
		structural := []int{dataset.PAD, dataset.BOW, dataset.EOW, dataset.EOS, dataset.Space}
		opts.Protected = structural
		opts.Forbidden = append([]int(nil), structural...)
	}
	return opts
}

// Encoder returns the text encoder for the configured model.
func (c *Config) Encoder() (*dataset.Encoder, error) {
	return dataset.NewEncoder(c.Model.SeqLen, c.Model.WordLen, c.Model.VocabSize)
}
