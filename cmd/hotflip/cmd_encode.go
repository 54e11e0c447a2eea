package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"hotflip/internal/dataset"
	"hotflip/internal/logging"
)

func newEncodeCmd(root *rootOptions) *cobra.Command {
	var outDir, archive string
	cmd := &cobra.Command{
		Use:   "encode [split...]",
		Short: "Encode text splits into X_<split>.npy and y_<split>.npy",
		Long: `Reads "label text" lines for each split (default: train, test, valid)
from the data directory, lays every text out in fixed word slots and writes the
symbol matrix and labels as .npy files. Missing default splits are skipped.
With --npz every split goes into one archive instead, read back as
"<archive>.npz#<split>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			enc, err := cfg.Encoder()
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.Data.Dir
			}

			files := map[string]string{
				"train": cfg.Data.TrainFile,
				"test":  cfg.Data.TestFile,
				"valid": cfg.Data.ValidFile,
			}
			splits := args
			explicit := len(args) > 0
			if !explicit {
				splits = []string{"train", "test", "valid"}
			}

			styles := root.styles()
			encoded := make(map[string]*dataset.Dataset)
			for _, split := range splits {
				file, ok := files[split]
				if !ok {
					return fmt.Errorf("unknown split %q", split)
				}
				path := cfg.Data.Path(file)
				if _, err := os.Stat(path); err != nil && !explicit {
					logging.Data("Skipping %s: %v", split, err)
					continue
				}
				ds, err := dataset.LoadText(path, enc, cfg.Model.Bipolar)
				if err != nil {
					return err
				}
				if archive != "" {
					encoded[split] = ds
					continue
				}
				if err := ds.SaveNPY(outDir, split, cfg.Model.Bipolar); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), styles.KeyValue(split, fmt.Sprintf("%d examples -> %s", ds.Len(), outDir)))
			}
			if archive == "" {
				return nil
			}
			path := filepath.Join(outDir, archive)
			if err := dataset.SaveNPZ(path, encoded, cfg.Model.Bipolar); err != nil {
				return err
			}
			for split, ds := range encoded {
				fmt.Fprintln(cmd.OutOrStdout(), styles.KeyValue(split, fmt.Sprintf("%d examples -> %s#%s", ds.Len(), path, split)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default: data directory)")
	cmd.Flags().StringVar(&archive, "npz", "", "Write all splits into this .npz archive")
	return cmd
}
