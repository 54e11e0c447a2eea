package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hotflip/internal/eval"
)

func newEvalCmd(root *rootOptions) *cobra.Command {
	var split string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint on a dataset split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			ctx := cmd.Context()

			var file string
			switch split {
			case "test":
				file = cfg.Data.TestFile
			case "train":
				file = cfg.Data.TrainFile
			case "valid":
				file = cfg.Data.ValidFile
			default:
				return fmt.Errorf("unknown split %q (want test, train or valid)", split)
			}

			st, model, err := loadCheckpoint(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			enc, err := cfg.Encoder()
			if err != nil {
				return err
			}
			ds, err := loadSplit(cfg, enc, file)
			if err != nil {
				return err
			}
			s, err := eval.Evaluate(ctx, model, ds.X, ds.Y, cfg.Attack.BatchSize)
			if err != nil {
				return err
			}

			styles := root.styles()
			fmt.Fprintln(cmd.OutOrStdout(), styles.KeyValue(split, s.String()))
			for c, acc := range s.PerClass {
				fmt.Fprintln(cmd.OutOrStdout(), styles.KeyValue(fmt.Sprintf("  class %d", c), fmt.Sprintf("%.4f", acc)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&split, "split", "test", "Split to evaluate: test, train or valid")
	return cmd
}
