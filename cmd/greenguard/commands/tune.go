package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard"
)

type tuneOptions struct {
	templates     []string
	preprocessing int
	dataDir       string
	iterations    int
	metric        string
	splits        int
	stratify      bool
	shuffle       bool
	seed          uint64
	workers       int
	resume        string
	out           string
	history       string
	fit           bool
}

func newTuneCmd(a *app) *cobra.Command {
	o := &tuneOptions{}

	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Tune a pipeline's hyperparameters by cross-validation",
		Long: `Runs a tuning session over the tables in --data-dir, then fits the best
pipeline on all of them and saves it with its session to --out.

Several templates may be given; they take turns and the best scoring one
is kept. --preprocessing fits that many leading static steps of every
template on all rows, once, before the folds are cut.

With --resume the session stored in a saved pipeline continues where it
stopped, keeping its templates, metric, folds and preprocessing.
Interrupting a run saves the session as of the last completed iteration.

Example:
  greenguard tune --template window_knn --data-dir ./data --iterations 30 --out knn.json
  greenguard tune --template window_knn,staged_window_knn --data-dir ./data --out best.json
  greenguard tune --resume knn.json --data-dir ./data --iterations 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTune(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&o.templates, "template", nil, "bundled template names or JSON/YAML template paths")
	f.IntVar(&o.preprocessing, "preprocessing", 0, "static steps fitted once on all rows")
	f.StringVar(&o.dataDir, "data-dir", "", "directory with readings.csv and target_times.csv")
	f.IntVar(&o.iterations, "iterations", 10, "proposals to evaluate")
	f.StringVar(&o.metric, "metric", "", "scoring metric")
	f.IntVar(&o.splits, "splits", 0, "cross-validation folds")
	f.BoolVar(&o.stratify, "stratify", true, "stratify folds by label")
	f.BoolVar(&o.shuffle, "shuffle", true, "shuffle rows before splitting")
	f.Uint64Var(&o.seed, "seed", 0, "random seed for folds and proposals")
	f.IntVar(&o.workers, "workers", 0, "folds evaluated concurrently")
	f.StringVar(&o.resume, "resume", "", "saved pipeline whose session continues")
	f.StringVar(&o.out, "out", "", "where to save the tuned pipeline (default is --resume)")
	f.StringVar(&o.history, "history", "", "trial history database; empty disables it")
	f.BoolVar(&o.fit, "fit", true, "fit the best pipeline on all rows before saving")

	return cmd
}

func (a *app) runTune(cmd *cobra.Command, o *tuneOptions) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	if o.resume == "" && len(o.templates) == 0 {
		return errors.New("one of --template or --resume is required")
	}

	if o.out == "" {
		o.out = o.resume
	}

	if o.out == "" {
		return errors.New("--out is required")
	}

	X, y, readings, err := a.loadData(o.dataDir, false)
	if err != nil {
		return err
	}

	cfg := a.libraryConfig()
	cfg.CV.Stratify = o.stratify
	cfg.CV.Shuffle = o.shuffle

	if flags.Changed("metric") {
		cfg.Metric = o.metric
	}

	if flags.Changed("splits") {
		cfg.CV.Splits = o.splits
	}

	if flags.Changed("seed") {
		cfg.CV.Seed = o.seed
	}

	if flags.Changed("workers") {
		cfg.Workers = o.workers
	}

	if flags.Changed("preprocessing") {
		cfg.Preprocessing = o.preprocessing
	}

	hist, err := a.openHistory(a.historyPath(cmd, o.history))
	if err != nil {
		return err
	}

	if hist != nil {
		defer hist.Close()

		cfg.Recorder = hist
	}

	updates := make(chan greenguard.ProgressUpdate, 16)
	done := make(chan struct{})
	cfg.ProgressChan = updates

	go printProgress(cmd.OutOrStdout(), updates, done)

	p, state, err := a.openPipeline(o, cfg)
	if err != nil {
		close(updates)
		<-done

		return err
	}

	state, err = p.Tune(ctx, X, y, readings, o.iterations, state)

	close(updates)
	<-done

	if err != nil {
		if state != nil && errors.Is(err, context.Canceled) {
			a.log.Warn().Str("session", state.ID).Int("iterations", state.Iterations).Msg("Tuning interrupted; saving progress")

			if saveErr := greenguard.Save(o.out, p, state); saveErr != nil {
				return errors.Join(err, saveErr)
			}
		}

		return err
	}

	if o.fit {
		if err := p.Fit(X, y, readings); err != nil {
			return err
		}
	}

	if err := greenguard.Save(o.out, p, state); err != nil {
		return err
	}

	name, _ := p.Metric()
	fmt.Fprintf(cmd.OutOrStdout(), "session %s: best %s=%g with %s after %d iterations, saved to %s\n",
		state.ID, name, float64(state.BestScore), state.Template, state.Iterations, o.out)

	return nil
}

// openPipeline starts from a template or from the session of a saved
// pipeline.
func (a *app) openPipeline(o *tuneOptions, cfg greenguard.Config) (*greenguard.Pipeline, *greenguard.SessionState, error) {
	if o.resume == "" {
		p, err := greenguard.NewWithTemplates(o.templates, cfg)

		return p, nil, err
	}

	p, state, err := greenguard.Load(o.resume, cfg)
	if err != nil {
		return nil, nil, err
	}

	if state == nil {
		return nil, nil, fmt.Errorf("%s holds no tuning session", o.resume)
	}

	if len(o.templates) > 0 {
		a.log.Warn().
			Strs("template", o.templates).
			Strs("session_templates", p.Templates()).
			Msg("Ignoring --template; resumed sessions keep their templates")
	}

	a.log.Info().Str("session", state.ID).Int("iterations", state.Iterations).Msg("Resuming session")

	return p, state, nil
}
