// Package commands implements the greenguard command-line tool.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thalesfsp/greenguard/internal/config"
	"github.com/thalesfsp/greenguard/internal/logger"
)

// app carries what every command needs once the root has run.
type app struct {
	envFile   string
	logLevel  string
	logFormat string

	cfg *config.Config
	log zerolog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "greenguard",
		Short: "Tune, fit and apply wind turbine failure prediction pipelines",
		Long: `GreenGuard tunes the hyperparameters of turbine failure prediction
pipelines with Bayesian optimisation, fits the best one and applies it to new
readings.

Examples:
  greenguard templates
  greenguard tune --template window_logistic --data-dir ./data --iterations 20 --out model.json
  greenguard tune --resume model.json --data-dir ./data --iterations 10
  greenguard predict --model model.json --data-dir ./new --inference
  greenguard history list`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "env file to load (default is .env when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format (console|json)")

	root.AddCommand(
		newTemplatesCmd(a),
		newTuneCmd(a),
		newFitCmd(a),
		newPredictCmd(a),
		newHistoryCmd(a),
	)

	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCmd().ExecuteContext(ctx)
}

// setup loads the configuration and builds the logger. Flags win over the
// environment.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger.New(cfg, cmd.ErrOrStderr())

	return nil
}
