package commands

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard"
	"github.com/thalesfsp/greenguard/data"
)

func newPredictCmd(a *app) *cobra.Command {
	var (
		model, dataDir, output string
		inference              bool
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Apply a fitted pipeline to new readings",
		Long: `Predicts one value per target time in --data-dir with the fitted pipeline
saved in --model and writes turbine_id, cutoff_time and prediction as CSV.

With --inference the target column is not needed, and when target_times.csv
is missing every turbine is scored just after its latest reading.

Example:
  greenguard predict --model knn.json --data-dir ./new --inference --output predictions.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if model == "" {
				return errors.New("--model is required")
			}

			p, _, err := greenguard.Load(model, a.libraryConfig())
			if err != nil {
				return err
			}

			X, _, readings, err := a.loadData(dataDir, inference)
			if err != nil {
				return err
			}

			predictions, err := p.Predict(X, readings)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()

			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()

				w = f
			}

			if err := writePredictions(w, X, predictions); err != nil {
				return err
			}

			a.log.Info().Int("predictions", len(predictions)).Str("output", output).Msg("Wrote predictions")

			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "fitted pipeline")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory with readings.csv and, optionally, target_times.csv")
	cmd.Flags().BoolVar(&inference, "inference", false, "do not require labels")
	cmd.Flags().StringVar(&output, "output", "", "CSV destination (default is stdout)")

	return cmd
}

func writePredictions(w io.Writer, X data.FeatureTable, predictions []float64) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{data.ColTurbineID, data.ColCutoffTime, "prediction"}); err != nil {
		return err
	}

	for i, row := range X.Rows {
		if err := cw.Write([]string{
			row.TurbineID,
			row.CutoffTime.UTC().Format(time.RFC3339),
			strconv.FormatFloat(predictions[i], 'g', -1, 64),
		}); err != nil {
			return err
		}
	}

	cw.Flush()

	return cw.Error()
}
