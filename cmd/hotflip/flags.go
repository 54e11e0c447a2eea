package main

import (
	"github.com/spf13/cobra"

	"hotflip/internal/charlstm"
	"hotflip/internal/config"
)

// applyFlagOverrides copies every flag the user set onto cfg. Flags that are
// not defined on cmd are skipped.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	strs := map[string]*string{
		"name":         &cfg.Name,
		"data":         &cfg.Data.Dir,
		"db":           &cfg.Store.Path,
		"outfile":      &cfg.Output.Outfile,
		"out-dir":      &cfg.Output.Dir,
		"metrics-file": &cfg.Output.MetricsFile,
	}
	for name, dst := range strs {
		if changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	ints := map[string]*int{
		"seqlen":     &cfg.Model.SeqLen,
		"wordlen":    &cfg.Model.WordLen,
		"vocab-size": &cfg.Model.VocabSize,
		"n-classes":  &cfg.Model.NClasses,
		"beam-width": &cfg.Attack.BeamWidth,
		"max-chars":  &cfg.Attack.MaxChars,
		"fan-out":    &cfg.Attack.FanOut,
		"samples":    &cfg.Attack.Samples,
		"epochs":     &cfg.Train.Epochs,
	}
	for name, dst := range ints {
		if changed(name) {
			v, err := flags.GetInt(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	if changed("vocab-size") && cfg.Model.Embedding == charlstm.EmbeddingOneHot {
		cfg.Model.EmbeddingDim = cfg.Model.VocabSize
	}
	if changed("batch-size") {
		v, err := flags.GetInt("batch-size")
		if err != nil {
			return err
		}
		cfg.Attack.BatchSize = v
		cfg.Train.BatchSize = v
	}

	bools := map[string]*bool{
		"bipolar":      &cfg.Model.Bipolar,
		"require-gain": &cfg.Attack.RequireGain,
		"report":       &cfg.Output.Report,
	}
	for name, dst := range bools {
		if changed(name) {
			v, err := flags.GetBool(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	if changed("learning-rate") {
		v, err := flags.GetFloat64("learning-rate")
		if err != nil {
			return err
		}
		cfg.Train.LearningRate = v
	}
	return nil
}
