// Command hotflip trains a character-level classifier and attacks it with
// HotFlip character flips.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hotflip/internal/config"
	"hotflip/internal/logging"
	"hotflip/internal/ux"
)

// rootOptions holds the persistent flags and the resolved config.
type rootOptions struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "hotflip",
		Short: "HotFlip adversarial examples for character-level text classifiers",
		Long: `hotflip trains a CNN-highway-LSTM character classifier and generates
adversarial texts by flipping characters along the embedding gradient.

Checkpoints and attack runs are kept in a local SQLite database; an interrupted
attack resumes batch by batch with --resume.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			if opts.verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := logging.Initialize(cfg.Logging.ToLogging()); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logging.BootDebug("Configuration loaded from %s", opts.configPath)
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "hotflip.yaml", "Config file (defaults are used when it does not exist)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().String("name", "", "Checkpoint name")
	root.PersistentFlags().String("data", "", "Dataset directory (or set HOTFLIP_DATA env)")
	root.PersistentFlags().String("db", "", "SQLite database path (or set HOTFLIP_DB env)")
	root.PersistentFlags().Int("batch-size", 0, "Batch size")
	root.PersistentFlags().Int("seqlen", 0, "Words per sequence")
	root.PersistentFlags().Int("wordlen", 0, "Characters per word")
	root.PersistentFlags().Int("vocab-size", 0, "Symbol vocabulary size")
	root.PersistentFlags().Int("n-classes", 0, "Number of label classes")
	root.PersistentFlags().Bool("bipolar", false, "Labels are -1/+1")

	root.AddCommand(
		newAttackCmd(opts),
		newEvalCmd(opts),
		newTrainCmd(opts),
		newEncodeCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) styles() ux.Styles {
	return ux.DefaultStyles()
}
