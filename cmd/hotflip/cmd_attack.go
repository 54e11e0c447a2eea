package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hotflip/internal/eval"
	"hotflip/internal/export"
	"hotflip/internal/hotflip"
	"hotflip/internal/logging"
	"hotflip/internal/store"
	"hotflip/internal/ux"
)

func newAttackCmd(root *rootOptions) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "attack",
		Short: "Generate adversarial texts for the test split",
		Long: `Loads the checkpoint, evaluates it on the clean test split, runs the
HotFlip beam search over the (optionally sampled) test examples, evaluates the
adversarial texts and writes them per true class to <out-dir>/<outfile>-<class>.npy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttack(cmd, root, resume)
		},
	}
	cmd.Flags().Int("beam-width", 0, "Candidates kept per example")
	cmd.Flags().Int("max-chars", 0, "Maximum characters flipped per example")
	cmd.Flags().Int("fan-out", 0, "Children proposed per candidate per round (0 = beam width)")
	cmd.Flags().Int("samples", 0, "Attack a random subset of this many test examples")
	cmd.Flags().Bool("require-gain", false, "Only accept flips with a positive loss estimate")
	cmd.Flags().String("outfile", "", "Output file prefix")
	cmd.Flags().String("out-dir", "", "Output directory")
	cmd.Flags().String("metrics-file", "", "Write attack metrics in Prometheus text format")
	cmd.Flags().Bool("report", false, "Render a markdown report when done")
	cmd.Flags().StringVar(&resume, "resume", "", "Resume the stored run with this id")
	return cmd
}

// attackSummary is stored with the finished run.
type attackSummary struct {
	Clean       eval.Summary `json:"clean"`
	Adversarial eval.Summary `json:"adversarial"`
	Files       []string     `json:"files"`
}

func runAttack(cmd *cobra.Command, root *rootOptions, resume string) error {
	ctx := cmd.Context()
	cfg := root.cfg
	out := cmd.OutOrStdout()
	styles := root.styles()
	start := time.Now()

	st, model, err := loadCheckpoint(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	enc, err := cfg.Encoder()
	if err != nil {
		return err
	}
	test, err := loadSplit(cfg, enc, cfg.Data.TestFile)
	if err != nil {
		return err
	}

	logging.Eval("Evaluating against clean test samples")
	clean, err := eval.Evaluate(ctx, model, test.X, test.Y, cfg.Attack.BatchSize)
	if err != nil {
		return fmt.Errorf("clean evaluation failed: %w", err)
	}
	fmt.Fprintln(out, styles.KeyValue("clean", clean.String()))

	data := test.Sample(cfg.Attack.Samples, cfg.Attack.SampleSeed)
	fingerprint := data.Fingerprint()
	opts := cfg.Options()

	var run *store.Run
	if resume != "" {
		run, err = st.ResumeRun(ctx, resume, cfg.Name, data.Len(), fingerprint)
		if err != nil {
			return fmt.Errorf("cannot resume, rerun with the original data and --samples: %w", err)
		}
		opts = run.Options
		logging.Attack("Resuming run %s", run.ID)
	}
	if err := opts.CheckResultSize(data.Len()); err != nil {
		return err
	}

	metrics := hotflip.NewMetrics()
	sess, err := hotflip.NewSession(model, opts, metrics)
	if err != nil {
		return err
	}
	defer sess.Close()

	if run == nil {
		run, err = st.CreateRun(ctx, cfg.Name, opts, data.Len(), fingerprint)
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(out, styles.KeyValue("run", run.ID))

	bar := ux.NewProgress(cmd.ErrOrStderr(), "attack", 40)
	orch := hotflip.NewOrchestrator(nil)
	orch.Progress = bar.Update

	logging.Attack("Making adversarial texts: %d examples, beam width %d, max chars %d", data.Len(), opts.BeamWidth, opts.MaxChars)
	err = orch.Stream(ctx, sess, data.X, data.Y, st.Sink(run.ID))
	bar.Done()
	if err != nil {
		// A cancelled run stays "running" so it can be resumed.
		if ctx.Err() == nil {
			if ferr := st.FinishRun(context.Background(), run.ID, store.RunFailed, nil); ferr != nil {
				logging.Get(logging.CategoryStore).Error("Failed to mark run %s failed: %v", run.ID, ferr)
			}
		}
		return fmt.Errorf("attack failed (resume with --resume %s): %w", run.ID, err)
	}

	res, err := st.LoadRunResult(ctx, run.ID)
	if err != nil {
		return err
	}
	Xadv, yadv := res.Flatten(data.Y)

	logging.Eval("Evaluating against adversarial texts")
	adv, err := eval.Evaluate(ctx, model, Xadv, yadv, opts.BatchSize)
	if err != nil {
		return fmt.Errorf("adversarial evaluation failed: %w", err)
	}
	fmt.Fprintln(out, styles.KeyValue("adversarial", adv.String()))

	files, err := export.WriteByClass(cfg.Output.Prefix(), Xadv, yadv, cfg.Model.NClasses, enc)
	if err != nil {
		return err
	}

	if cfg.Output.MetricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output.MetricsFile), 0755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
		if err := metrics.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			return err
		}
	}

	summary := attackSummary{Clean: clean, Adversarial: adv, Files: files}
	if err := st.FinishRun(ctx, run.ID, store.RunFinished, summary); err != nil {
		return err
	}

	if cfg.Output.Report {
		report := ux.Report{
			RunID:       run.ID,
			Checkpoint:  cfg.Name,
			Options:     opts,
			Examples:    data.Len(),
			Clean:       clean,
			Adversarial: adv,
			Files:       files,
			Duration:    time.Since(start),
		}
		rendered, err := ux.Render(report.Markdown(), styles.Theme.StyleFor(out))
		if err != nil {
			return err
		}
		fmt.Fprint(out, rendered)
	}
	return nil
}
