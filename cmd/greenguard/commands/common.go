package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard"
	"github.com/thalesfsp/greenguard/data"
	"github.com/thalesfsp/greenguard/store"
)

// ═══════════════════════════════════════════════════════════
// Shared by every command.
// ═══════════════════════════════════════════════════════════

// loadData reads the tables under dir, falling back to the configured data
// directory.
func (a *app) loadData(dir string, inference bool) (data.FeatureTable, data.Labels, data.Readings, error) {
	if dir == "" {
		dir = a.cfg.DataDir
	}

	X, y, readings, err := data.Load(dir, data.Options{Inference: inference, Logger: a.log})
	if err != nil {
		return data.FeatureTable{}, nil, nil, err
	}

	a.log.Info().
		Str("dir", dir).
		Int("targets", X.Len()).
		Int("readings", len(readings)).
		Msg("Loaded tables")

	return X, y, readings, nil
}

// libraryConfig is the pipeline configuration shared by every command.
func (a *app) libraryConfig() greenguard.Config {
	cfg := greenguard.DefaultConfig()
	cfg.Metric = a.cfg.Metric
	cfg.Workers = a.cfg.Workers
	cfg.CV.Splits = a.cfg.CVSplits
	cfg.CV.Seed = a.cfg.Seed
	cfg.Logger = a.log

	return cfg
}

// openHistory opens the trial history. An empty path disables it.
func (a *app) openHistory(path string) (*store.Store, error) {
	if path == "" {
		return nil, nil
	}

	s, err := store.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	return s, nil
}

// historyPath returns the --history flag, or the configured database when
// the flag was not given.
func (a *app) historyPath(cmd *cobra.Command, flag string) string {
	if cmd.Flags().Changed("history") {
		return flag
	}

	return a.cfg.HistoryDB
}

// printProgress drains updates until the channel is closed.
func printProgress(out io.Writer, updates <-chan greenguard.ProgressUpdate, done chan<- struct{}) {
	defer close(done)

	for u := range updates {
		mark := ""
		if u.Improved {
			mark = " *"
		}

		fmt.Fprintf(out, "[%s] %s score=%.6g best=%.6g [%d/%d]%s\n",
			u.Phase, u.Template, u.Score, u.BestScore, u.Iteration, u.TotalIterations, mark)
	}
}
