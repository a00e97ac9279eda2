package commands

import (
	"fmt"
	"image/color"
	"math"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/thalesfsp/greenguard"
	"github.com/thalesfsp/greenguard/store"
)

func newHistoryCmd(a *app) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded tuning sessions",
		Long: `Lists tuning sessions recorded by "greenguard tune", shows their trials and
plots their progress.

Example:
  greenguard history list
  greenguard history show 6f1c...
  greenguard history plot 6f1c... --out scores.png`,
	}

	cmd.PersistentFlags().StringVar(&path, "history", "", "trial history database")

	open := func(cmd *cobra.Command) (*store.Store, error) {
		p := a.historyPath(cmd, path)
		if p == "" {
			return nil, fmt.Errorf("--history is required")
		}

		return a.openHistory(p)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sessions, err := s.ListSessions(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTEMPLATE\tMETRIC\tBEST\tITERATIONS\tUPDATED")

			for _, sess := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%d\t%s\n",
					sess.ID, sess.Template, metricLabel(sess.Metric, sess.Cost),
					sess.BestScore, sess.Iterations, sess.UpdatedAt.Format("2006-01-02 15:04:05"))
			}

			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <session>",
		Short: "Show the trials of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sess, err := s.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			trials, err := s.ListTrials(cmd.Context(), sess.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s: template=%s metric=%s best=%g iterations=%d\n\n",
				sess.ID, sess.Template, metricLabel(sess.Metric, sess.Cost), sess.BestScore, sess.Iterations)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ITERATION\tPHASE\tTEMPLATE\tSCORE\tBEST\tDURATION\tHYPERPARAMETERS")

			for _, t := range trials {
				score := fmt.Sprintf("%g", t.Score)
				if t.Failed {
					score = "failed"
				}

				if t.Improved {
					score += " *"
				}

				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%g\t%s\t%v\n",
					t.Iteration, t.Phase, t.Template, score, t.BestScore, t.Duration.Round(time.Millisecond), t.Hyperparameters)
			}

			return tw.Flush()
		},
	}

	var out string

	plotCmd := &cobra.Command{
		Use:   "plot <session>",
		Short: "Plot the per-iteration score and the running best of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sess, err := s.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			trials, err := s.ListTrials(cmd.Context(), sess.ID)
			if err != nil {
				return err
			}

			if err := plotTrials(trials, sess.Metric, out); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "saved plot of %d trials to %s\n", len(trials), out)

			return nil
		},
	}

	plotCmd.Flags().StringVar(&out, "out", "scores.png", "image file; the extension picks the format")

	cmd.AddCommand(list, show, plotCmd)

	return cmd
}

func metricLabel(name string, cost bool) string {
	if cost {
		return name + " (cost)"
	}

	return name
}

// plotTrials draws each trial's score as a point and the running best as a
// line. Failed trials are left out of the scatter.
func plotTrials(trials []greenguard.Trial, metric, path string) error {
	if len(trials) == 0 {
		return fmt.Errorf("no trials to plot")
	}

	p := plot.New()
	p.Title.Text = "Tuning progress"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = metric

	var scores, best plotter.XYs

	for _, t := range trials {
		x := float64(t.Iteration)

		if !t.Failed && isFinite(t.Score) {
			scores = append(scores, plotter.XY{X: x, Y: t.Score})
		}

		if isFinite(t.BestScore) {
			best = append(best, plotter.XY{X: x, Y: t.BestScore})
		}
	}

	if len(scores) > 0 {
		sc, err := plotter.NewScatter(scores)
		if err != nil {
			return err
		}

		sc.Color = color.RGBA{R: 50, G: 50, B: 255, A: 255}
		p.Add(sc)
		p.Legend.Add("score", sc)
	}

	if len(best) > 0 {
		l, err := plotter.NewLine(best)
		if err != nil {
			return err
		}

		l.Color = color.RGBA{R: 255, A: 255}
		l.LineStyle.Width = vg.Points(2)
		p.Add(l)
		p.Legend.Add("best", l)
	}

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}

	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
