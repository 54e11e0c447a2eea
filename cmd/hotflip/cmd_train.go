package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hotflip/internal/charlstm"
	"hotflip/internal/dataset"
	"hotflip/internal/logging"
	"hotflip/internal/store"
	"hotflip/internal/train"
)

func newTrainCmd(root *rootOptions) *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier and save it as a checkpoint",
		Long: `Trains the CharLSTM on the train split with Adam, reports validation
accuracy after every epoch and saves the checkpoint under --name after each epoch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			styles := root.styles()

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			var model *charlstm.Model
			if resume {
				model, err = st.LoadModel(ctx, cfg.Name)
				if err != nil {
					return fmt.Errorf("failed to load checkpoint: %w", err)
				}
				cfg.Model = model.Config()
			} else {
				model, err = charlstm.New(cfg.Model)
				if err != nil {
					return err
				}
			}

			enc, err := cfg.Encoder()
			if err != nil {
				return err
			}
			trainSet, err := loadSplit(cfg, enc, cfg.Data.TrainFile)
			if err != nil {
				return err
			}
			var valid *dataset.Dataset
			if cfg.Data.ValidFile != "" {
				if _, err := os.Stat(cfg.Data.Path(cfg.Data.ValidFile)); err == nil {
					valid, err = loadSplit(cfg, enc, cfg.Data.ValidFile)
					if err != nil {
						return err
					}
				} else {
					logging.Train("No validation split: %v", err)
				}
			}

			trainer, err := train.NewTrainer(cfg.Train)
			if err != nil {
				return err
			}
			_, err = trainer.Fit(ctx, model, trainSet, valid, func(s train.EpochStats) error {
				fmt.Fprintln(out, styles.KeyValue(fmt.Sprintf("epoch %d", s.Epoch),
					fmt.Sprintf("loss %.4f valid %s", s.TrainLoss, s.Valid)))
				return st.SaveModel(ctx, cfg.Name, model)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, styles.Success.Render(fmt.Sprintf("saved checkpoint %q", cfg.Name)))
			return nil
		},
	}
	cmd.Flags().Int("epochs", 0, "Training epochs")
	cmd.Flags().Float64("learning-rate", 0, "Adam learning rate")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue training the stored checkpoint")
	return cmd
}
