package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard"
)

func newFitCmd(a *app) *cobra.Command {
	var model, dataDir, out string

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a saved pipeline on labelled tables",
		Long: `Fits the pipeline saved in --model, with its current hyperparameters, on
every row of --data-dir and saves it to --out (default is --model). The tuning
session, if any, is kept.

Example:
  greenguard fit --model knn.json --data-dir ./data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if model == "" {
				return errors.New("--model is required")
			}

			if out == "" {
				out = model
			}

			p, state, err := greenguard.Load(model, a.libraryConfig())
			if err != nil {
				return err
			}

			X, y, readings, err := a.loadData(dataDir, false)
			if err != nil {
				return err
			}

			if err := p.Fit(X, y, readings); err != nil {
				return err
			}

			if err := greenguard.Save(out, p, state); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s saved to %s\n", p, out)

			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "saved pipeline")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory with readings.csv and target_times.csv")
	cmd.Flags().StringVar(&out, "out", "", "where to save the fitted pipeline (default is --model)")

	return cmd
}
