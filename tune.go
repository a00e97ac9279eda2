package greenguard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/thalesfsp/greenguard/blocks"
	"github.com/thalesfsp/greenguard/data"
	"github.com/thalesfsp/greenguard/errdefs"
)

// Compile-time check.
var _ StagedExecutor = (*blocks.Executor)(nil)

// contender is one candidate template of a session with its tuner and the
// folds it is scored on.
type contender struct {
	template *blocks.Template

	// base is what proposals are merged over.
	base   blocks.Assignment
	tuner  Tuner
	splits []split
}

// split is a fold whose static steps already ran: train and test hold what
// the first step from start reads. Both are nil when nothing is cached and
// every step is fitted per assignment.
type split struct {
	Fold

	start       int
	train, test *blocks.Frame
}

// Tune runs iterations of Bayesian hyperparameter search and returns the
// updated session.
//
// Parameters:
// - ctx: Cancels the session between iterations or folds
// - X, y, readings: Training rows, their labels and the sensor readings
// - iterations: Proposals to evaluate in this call, 0 or more
// - state: Session to resume, or nil to start a new one
//
// Returns:
// - A copy of the session as of the last completed iteration
// - ctx.Err() if cancelled, errdefs.ErrMetricUnavailable if the pipeline
// has no metric function, CorruptStateError if state does not belong to the
// pipeline, or the first error that is not a FitError.
//
// With a nil state a new session starts: folds are planned from Config.CV,
// and the current hyperparameters of every candidate template are scored
// once to seed the best. A non-nil state resumes that session; it is never
// modified.
//
// Candidates take turns, one proposal per iteration, each from its own
// tuner. Each proposal is scored by cross-validation. An assignment whose
// fit fails scores the worst possible value and tuning goes on. The best is
// replaced only by a strictly better score. Any other error aborts the call
// and leaves both the pipeline and state untouched. So does a failure of the
// static steps, since no assignment can change their output.
//
// When done, the best template and hyperparameters become the pipeline's
// current ones. The pipeline is not refitted; a changed assignment leaves it
// unfitted.
//
// If ctx is cancelled, Tune stops between iterations or folds, discards the
// interrupted iteration, and returns the session as of the last completed
// iteration along with ctx.Err().
func (p *Pipeline) Tune(
	ctx context.Context,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	iterations int,
	state *SessionState,
) (*SessionState, error) {
	if iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d", iterations)
	}

	if len(y) != X.Len() {
		return nil, fmt.Errorf("%d labels for %d rows", len(y), X.Len())
	}

	if err := p.scoring(); err != nil {
		return nil, err
	}

	session, contenders, err := p.startSession(ctx, X, y, readings, state)
	if err != nil {
		return nil, err
	}

	total := session.Iterations + iterations

	logger := p.cfg.Logger.With().
		Str("session", session.ID).
		Str("metric", session.Metric).
		Logger()

	var cancelled error

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			cancelled = err

			break
		}

		c := contenders[session.Iterations%len(contenders)]
		name := c.template.Name

		proposal, err := c.tuner.Propose()
		if err != nil {
			return nil, fmt.Errorf("propose %s: %w", name, err)
		}

		// Proposals are merged over a copy; the live assignment is only read.
		candidate := c.base.Merge(proposal)

		score, elapsed, err := measure(func() (float64, error) {
			return p.evaluate(ctx, c, X, y, readings, candidate)
		})

		failed := false
		if err != nil {
			if ctx.Err() != nil {
				cancelled = ctx.Err()

				break
			}

			if !errdefs.IsFitError(err) {
				return nil, err
			}

			logger.Warn().Err(err).Str("template", name).Int("iteration", session.Iterations+1).Msg("Assignment failed to fit")

			score, failed = worstScore(session.Cost), true
		}

		if err := c.tuner.Record(proposal, score); err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}

		improved := isBetter(score, float64(session.BestScore), session.Cost)
		if improved {
			session.Template = name
			session.BestScore = Score(score)
			session.BestHyperparameters = candidate
		}

		session.Iterations++

		if session.TunerStates[name], err = c.tuner.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("snapshot tuner: %w", err)
		}

		logger.Info().
			Str("template", name).
			Int("iteration", session.Iterations).
			Float64("score", score).
			Float64("best_score", float64(session.BestScore)).
			Bool("improved", improved).
			Dur("elapsed", elapsed).
			Msg("Tuning iteration")

		p.report(ctx, session, name, PhaseTuning, total, candidate, score, improved, failed, elapsed)
	}

	if err := p.adopt(session); err != nil {
		return nil, err
	}

	p.session = session

	return session.Clone(), cancelled
}

// adopt makes the session's best template and hyperparameters current.
func (p *Pipeline) adopt(session *SessionState) error {
	if session.Template == p.template.Name {
		if err := p.model.SetHyperparameters(session.BestHyperparameters); err != nil {
			return fmt.Errorf("apply best hyperparameters: %w", err)
		}

		return nil
	}

	t, _ := p.lookup(session.Template)

	model, err := p.cfg.Executor.Build(t, session.BestHyperparameters)
	if err != nil {
		return fmt.Errorf("apply best hyperparameters: %w", err)
	}

	p.cfg.Logger.Info().
		Str("from", p.template.Name).
		Str("to", t.Name).
		Msg("Switched to the best scoring template")

	p.template, p.model = t, model

	return nil
}

// startSession creates or restores the session, its contenders and their
// folds. Nothing observable changes if it fails.
func (p *Pipeline) startSession(
	ctx context.Context,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	state *SessionState,
) (*SessionState, []*contender, error) {
	if state != nil {
		return p.resumeSession(ctx, X, y, readings, state)
	}

	folds, err := PlanFolds(y, p.cfg.CV)
	if err != nil {
		return nil, nil, err
	}

	session := &SessionState{
		ID:            uuid.NewString(),
		Template:      p.template.Name,
		Templates:     p.Templates(),
		Metric:        p.name,
		Cost:          p.metric.Cost,
		Folds:         p.cfg.CV,
		Preprocessing: p.cfg.Preprocessing,
		TunerStates:   map[string][]byte{},
	}

	contenders, err := p.contenders(ctx, session, folds, X, y, readings)
	if err != nil {
		return nil, nil, err
	}

	for i, c := range contenders {
		name := c.template.Name

		score, elapsed, err := measure(func() (float64, error) {
			return p.evaluate(ctx, c, X, y, readings, c.base)
		})

		failed := false
		if err != nil {
			if ctx.Err() != nil || !errdefs.IsFitError(err) {
				return nil, nil, err
			}

			p.cfg.Logger.Warn().Err(err).Str("template", name).Msg("Starting hyperparameters failed to fit")

			score, failed = worstScore(session.Cost), true
		}

		if err := c.tuner.Record(c.base, score); err != nil {
			return nil, nil, fmt.Errorf("record: %w", err)
		}

		// The first candidate always seeds the best; later ones must beat it.
		improved := i == 0 || isBetter(score, float64(session.BestScore), session.Cost)
		if improved {
			session.Template = name
			session.BestScore = Score(score)
			session.BestHyperparameters = c.base.Clone()
		}

		if session.TunerStates[name], err = c.tuner.MarshalBinary(); err != nil {
			return nil, nil, fmt.Errorf("snapshot tuner: %w", err)
		}

		p.report(ctx, session, name, PhaseSeed, 0, c.base, score, improved, failed, elapsed)
	}

	p.cfg.Logger.Info().
		Str("session", session.ID).
		Strs("templates", session.Templates).
		Str("template", session.Template).
		Int("folds", len(folds)).
		Float64("score", float64(session.BestScore)).
		Msg("Tuning session started")

	return session, contenders, nil
}

// resumeSession validates state against the pipeline and restores it.
func (p *Pipeline) resumeSession(
	ctx context.Context,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	state *SessionState,
) (*SessionState, []*contender, error) {
	names := state.candidates()

	if !slices.Equal(names, p.Templates()) {
		for _, name := range names {
			if _, ok := p.lookup(name); ok {
				continue
			}

			if _, err := p.cfg.Executor.Resolve(name); err != nil {
				return nil, nil, err
			}
		}

		return nil, nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("session tunes templates %v, pipeline has %v", names, p.Templates()),
		}
	}

	if !slices.Contains(names, state.Template) {
		return nil, nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("session best belongs to template %q, not one of %v", state.Template, names),
		}
	}

	if state.Metric != p.name || state.Cost != p.metric.Cost {
		return nil, nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("session scores %q, pipeline scores %q", state.Metric, p.name),
		}
	}

	session := state.Clone()
	session.Templates = names

	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	if session.TunerStates == nil {
		session.TunerStates = map[string][]byte{}
	}

	winner, _ := p.lookup(session.Template)

	best, err := winner.Space().Validate(session.BestHyperparameters)
	if err != nil {
		return nil, nil, &errdefs.CorruptStateError{Reason: "best hyperparameters", Err: err}
	}

	if err := checkPreprocessing(session.Preprocessing, p.templates); err != nil {
		return nil, nil, &errdefs.CorruptStateError{Reason: "preprocessing", Err: err}
	}

	folds, err := PlanFolds(y, session.Folds)
	if err != nil {
		return nil, nil, err
	}

	contenders, err := p.contenders(ctx, session, folds, X, y, readings)
	if err != nil {
		return nil, nil, err
	}

	for _, c := range contenders {
		if err := c.tuner.UnmarshalBinary(session.TunerStates[c.template.Name]); err != nil {
			return nil, nil, &errdefs.CorruptStateError{Reason: "tuner state of " + c.template.Name, Err: err}
		}

		if c.template.Name == session.Template {
			session.BestHyperparameters = c.base.Merge(best)
		}
	}

	return session, contenders, nil
}

// contenders sets up every candidate template for the session: a tuner
// seeded from the session folds and the cached output of its static steps.
func (p *Pipeline) contenders(
	ctx context.Context,
	session *SessionState,
	folds []Fold,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
) ([]*contender, error) {
	out := make([]*contender, len(p.templates))

	for i, t := range p.templates {
		tuner, err := p.cfg.TunerFactory(t.Space(), !session.Cost, session.Folds.Seed+uint64(i))
		if err != nil {
			return nil, err
		}

		splits, err := p.prepare(ctx, t, folds, session.Preprocessing, X, y, readings)
		if err != nil {
			return nil, err
		}

		base := t.Space().Defaults()
		if t.Name == p.template.Name {
			base = p.model.Hyperparameters()
		}

		out[i] = &contender{template: t, base: base, tuner: tuner, splits: splits}
	}

	return out, nil
}

// prepare runs the static steps of t over the folds, once. The first
// preprocessing steps are fitted on every row before the folds are cut; the
// rest of the static steps are fitted on each fold's training rows. Static
// steps are pinned, so the template defaults parameterise them.
//
// Parameters:
// - ctx: Cancels the preparation between folds
// - t: Template whose static steps run
// - folds: Cross-validation plan
// - preprocessing: Static steps fitted on every row
// - X, y, readings: Every row of the session
//
// Returns:
// - One split per fold. Without a StagedExecutor, or when t has no static
// steps, the splits cache nothing
// - The FitError of the first static step that fails, or ctx.Err().
func (p *Pipeline) prepare(
	ctx context.Context,
	t *blocks.Template,
	folds []Fold,
	preprocessing int,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
) ([]split, error) {
	splits := make([]split, len(folds))
	for i, fold := range folds {
		splits[i].Fold = fold
	}

	staged, ok := p.cfg.Executor.(StagedExecutor)

	static := t.StaticSteps()
	if !ok || static == 0 {
		return splits, nil
	}

	defaults := t.Space().Defaults()
	all := &blocks.Frame{X: X, Readings: readings, Y: y}

	if preprocessing > 0 {
		stage, err := staged.Stage(t, defaults, 0, preprocessing)
		if err != nil {
			return nil, err
		}

		if err := stage.Fit(all); err != nil {
			return nil, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i := range splits {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			train, test := all.Subset(splits[i].Train), all.Subset(splits[i].Test)
			test.Y = nil

			stage, err := staged.Stage(t, defaults, preprocessing, static)
			if err != nil {
				return err
			}

			if err := stage.Fit(train); err != nil {
				return err
			}

			if err := stage.Produce(test); err != nil {
				return &errdefs.FitError{Step: "predict", Err: err}
			}

			splits[i].start, splits[i].train, splits[i].test = static, train, test

			return nil
		})
	}

	if err := wait(ctx, g); err != nil {
		return nil, err
	}

	p.cfg.Logger.Debug().
		Str("template", t.Name).
		Int("preprocessing", preprocessing).
		Int("static", static).
		Msg("Static steps cached")

	return splits, nil
}

// CrossValidate scores an assignment of the current template.
//
// Parameters:
// - ctx: Cancels the evaluation between folds
// - X, y, readings: Rows, labels and readings to cross-validate on
// - a: Partial assignment merged over the current hyperparameters
//
// Returns:
// - The mean held-out score over the folds
// - errdefs.ErrMetricUnavailable if the pipeline has no metric function, an
// InvalidHyperparameterError for a bad assignment, or the first fold error.
//
// Folds and preprocessing come from the current session if there is one,
// from Config otherwise. After tuning, the current template is the session's
// best. Session state is not touched.
func (p *Pipeline) CrossValidate(
	ctx context.Context,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	a blocks.Assignment,
) (float64, error) {
	if len(y) != X.Len() {
		return 0, fmt.Errorf("%d labels for %d rows", len(y), X.Len())
	}

	if err := p.scoring(); err != nil {
		return 0, err
	}

	cfg, preprocessing := p.cfg.CV, p.cfg.Preprocessing
	if p.session != nil {
		cfg, preprocessing = p.session.Folds, p.session.Preprocessing
	}

	folds, err := PlanFolds(y, cfg)
	if err != nil {
		return 0, err
	}

	valid, err := p.template.Space().Validate(a)
	if err != nil {
		return 0, err
	}

	splits, err := p.prepare(ctx, p.template, folds, preprocessing, X, y, readings)
	if err != nil {
		return 0, err
	}

	c := &contender{template: p.template, splits: splits}

	return p.evaluate(ctx, c, X, y, readings, p.model.Hyperparameters().Merge(valid))
}

// evaluate scores an assignment of the contender's template on each of its
// folds and returns the mean.
//
// Parameters:
// - ctx: Cancels the evaluation between folds
// - c: Template and folds to score on
// - X, y, readings: Every row of the session
// - a: Complete assignment of the template
//
// Returns:
// - The mean held-out score, taken once every fold is done
// - A FitError when a fold fails to fit or predict, or ctx.Err().
//
// Folds run concurrently, bounded by Config.Workers. A fold with cached
// static output fits only the steps after it; any other fold fits a fresh
// model on its training rows.
func (p *Pipeline) evaluate(
	ctx context.Context,
	c *contender,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	a blocks.Assignment,
) (float64, error) {
	scores := make([]float64, len(c.splits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for i, s := range c.splits {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			pred, err := p.foldPredictions(c.template, s, X, y, readings, a)
			if err != nil {
				return err
			}

			yTest := y.Subset(s.Test)
			if len(pred) != len(yTest) {
				return &errdefs.FitError{Step: "predict", Err: fmt.Errorf("%d predictions for %d rows", len(pred), len(yTest))}
			}

			scores[i] = p.metric.Func(yTest, pred)

			p.cfg.Logger.Debug().Str("template", c.template.Name).Int("fold", i).Float64("score", scores[i]).Msg("Fold scored")

			return nil
		})
	}

	if err := wait(ctx, g); err != nil {
		return 0, err
	}

	return stat.Mean(scores, nil), nil
}

// foldPredictions fits a on the fold's training rows and predicts its test
// rows.
func (p *Pipeline) foldPredictions(
	t *blocks.Template,
	s split,
	X data.FeatureTable,
	y data.Labels,
	readings data.Readings,
	a blocks.Assignment,
) ([]float64, error) {
	if s.train != nil {
		stage, err := p.cfg.Executor.(StagedExecutor).Stage(t, a, s.start, len(t.Blocks()))
		if err != nil {
			return nil, err
		}

		if err := stage.Fit(s.train.Clone()); err != nil {
			return nil, err
		}

		out := s.test.Clone()
		if err := stage.Produce(out); err != nil {
			return nil, &errdefs.FitError{Step: "predict", Err: err}
		}

		return out.Predictions, nil
	}

	model, err := p.cfg.Executor.Build(t, a)
	if err != nil {
		return nil, err
	}

	if err := model.Fit(X.Subset(s.Train), y.Subset(s.Train), readings); err != nil {
		return nil, err
	}

	pred, err := model.Predict(X.Subset(s.Test), readings)
	if err != nil {
		return nil, &errdefs.FitError{Step: "predict", Err: err}
	}

	return pred, nil
}

// wait waits for the group and reports a cancellation as ctx.Err().
func wait(ctx context.Context, g *errgroup.Group) error {
	err := g.Wait()
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}

	return err
}

// report emits a progress update and records the trial.
func (p *Pipeline) report(
	ctx context.Context,
	session *SessionState,
	template string,
	phase string,
	total int,
	a blocks.Assignment,
	score float64,
	improved, failed bool,
	elapsed time.Duration,
) {
	if p.cfg.ProgressChan != nil {
		update := ProgressUpdate{
			Phase:               phase,
			Template:            template,
			Iteration:           session.Iterations,
			TotalIterations:     total,
			Hyperparameters:     a.Clone(),
			Score:               score,
			BestTemplate:        session.Template,
			BestHyperparameters: session.BestHyperparameters.Clone(),
			BestScore:           float64(session.BestScore),
			Improved:            improved,
		}

		select {
		case p.cfg.ProgressChan <- update:
		default:
			// Skip update if channel is full.
		}
	}

	if p.cfg.Recorder == nil {
		return
	}

	trial := Trial{
		SessionID:       session.ID,
		Template:        template,
		BestTemplate:    session.Template,
		Metric:          session.Metric,
		Cost:            session.Cost,
		Iteration:       session.Iterations,
		Phase:           phase,
		Hyperparameters: a.Clone(),
		Score:           score,
		BestScore:       float64(session.BestScore),
		Improved:        improved,
		Failed:          failed,
		Duration:        elapsed,
		CreatedAt:       time.Now().UTC(),
	}

	if err := p.cfg.Recorder.RecordTrial(ctx, trial); err != nil {
		p.cfg.Logger.Warn().Err(err).Int("iteration", session.Iterations).Msg("Failed to record trial")
	}
}
