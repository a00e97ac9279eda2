package greenguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/greenguard/blocks"
	"github.com/thalesfsp/greenguard/data"
	"github.com/thalesfsp/greenguard/errdefs"
)

const alpha = "regressor.ridge#1.alpha"

//////
// Fixtures.
//////

var cutoff = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// turbines builds n turbines whose signal level follows the label, over the
// day before a shared cutoff.
func turbines(n int) (data.FeatureTable, data.Labels, data.Readings) {
	var (
		X        data.FeatureTable
		y        data.Labels
		readings data.Readings
	)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("T%02d", i)
		label := float64(i % 2)

		X.Rows = append(X.Rows, data.FeatureRow{TurbineID: id, CutoffTime: cutoff})
		y = append(y, label)

		for h := 1; h <= 24; h++ {
			readings = append(readings, data.Reading{
				TurbineID: id,
				SignalID:  "S1",
				Timestamp: cutoff.Add(-time.Duration(h) * time.Hour),
				Value:     label*10 + float64(h%3),
			})
		}
	}

	return X, y, readings
}

// fakeExecutor resolves real templates and builds models whose fit and
// predictions are scripted from their hyperparameters.
type fakeExecutor struct {
	fitErr     func(a blocks.Assignment) error
	predict    func(a blocks.Assignment, X data.FeatureTable) []float64
	marshalErr error
}

func (e *fakeExecutor) Resolve(name string) (*blocks.Template, error) {
	return blocks.Resolve(name)
}

func (e *fakeExecutor) Build(t *blocks.Template, a blocks.Assignment) (blocks.Model, error) {
	p, err := blocks.NewPipeline(t, a)
	if err != nil {
		return nil, err
	}

	return &fakeModel{Pipeline: p, exec: e}, nil
}

type fakeModel struct {
	*blocks.Pipeline

	exec   *fakeExecutor
	fitted bool
}

func (m *fakeModel) Fit(X data.FeatureTable, y data.Labels, readings data.Readings) error {
	if m.exec.fitErr != nil {
		if err := m.exec.fitErr(m.Hyperparameters()); err != nil {
			return err
		}
	}

	m.fitted = true

	return nil
}

func (m *fakeModel) Predict(X data.FeatureTable, readings data.Readings) ([]float64, error) {
	if !m.fitted {
		return nil, errdefs.ErrNotFitted
	}

	return m.exec.predict(m.Hyperparameters(), X), nil
}

func (m *fakeModel) Fitted() bool { return m.fitted }

func (m *fakeModel) MarshalBinary() ([]byte, error) {
	if m.exec.marshalErr != nil {
		return nil, m.exec.marshalErr
	}

	return m.Pipeline.MarshalBinary()
}

// predictAlpha predicts 1 + alpha for every row, so against all-ones labels
// the mse of an assignment is alpha squared.
func predictAlpha(a blocks.Assignment, X data.FeatureTable) []float64 {
	out := make([]float64, X.Len())
	for i := range out {
		out[i] = 1 + a[alpha].(float64)
	}

	return out
}

func ones(n int) data.Labels {
	y := make(data.Labels, n)
	for i := range y {
		y[i] = 1
	}

	return y
}

// scriptedTuner proposes a fixed list of assignments and remembers the
// scores it is told.
type scriptedTuner struct {
	proposals []blocks.Assignment
	next      int
	recorded  []float64
	onPropose func(n int)
}

func (s *scriptedTuner) Propose() (blocks.Assignment, error) {
	if s.next >= len(s.proposals) {
		return nil, errors.New("script exhausted")
	}

	if s.onPropose != nil {
		s.onPropose(s.next)
	}

	s.next++

	return s.proposals[s.next-1], nil
}

func (s *scriptedTuner) Record(_ blocks.Assignment, score float64) error {
	s.recorded = append(s.recorded, score)

	return nil
}

func (s *scriptedTuner) MarshalBinary() ([]byte, error) { return []byte{byte(s.next)}, nil }

func (s *scriptedTuner) UnmarshalBinary(raw []byte) error {
	if len(raw) > 0 {
		s.next = int(raw[0])
	}

	return nil
}

func alphas(values ...float64) []blocks.Assignment {
	out := make([]blocks.Assignment, len(values))
	for i, v := range values {
		out[i] = blocks.Assignment{alpha: v}
	}

	return out
}

func scriptedConfig(exec *fakeExecutor, tuner *scriptedTuner) Config {
	cfg := DefaultConfig()
	cfg.Metric = "mse"
	cfg.CV = FoldConfig{Splits: 3}
	cfg.Executor = exec
	cfg.TunerFactory = func(blocks.Space, bool, uint64) (Tuner, error) { return tuner, nil }

	return cfg
}

//////
// Tests.
//////

func TestTuneKeepsPreseededBest(t *testing.T) {
	exec := &fakeExecutor{predict: predictAlpha}

	cfg := DefaultConfig()
	cfg.Metric = "mse"
	cfg.Executor = exec

	state := &SessionState{
		ID:                  "preseeded",
		Template:            "window_ridge",
		Metric:              "mse",
		Cost:                true,
		BestScore:           0.5,
		BestHyperparameters: blocks.Assignment{alpha: 0.5},
		Folds:               FoldConfig{Splits: 3},
	}
	before := state.Clone()

	// Only alphas worse than the seeded 0.5 are proposed: mse >= 1.
	tuner := &scriptedTuner{proposals: alphas(1, 2, 5, 10, 100)}
	cfg.TunerFactory = func(blocks.Space, bool, uint64) (Tuner, error) { return tuner, nil }

	p, err := New("window_ridge", cfg)
	require.NoError(t, err)

	X, _, readings := turbines(12)

	got, err := p.Tune(context.Background(), X, ones(12), readings, 5, state)
	require.NoError(t, err)

	assert.Equal(t, Score(0.5), got.BestScore)
	assert.Equal(t, 0.5, got.BestHyperparameters[alpha])
	assert.Equal(t, 5, got.Iterations)
	assert.Equal(t, "preseeded", got.ID)
	assert.Equal(t, []float64{1, 4, 25, 100, 10000}, tuner.recorded)

	// The caller's state is never modified.
	assert.Equal(t, before, state)

	// The best becomes the live assignment, unfitted.
	assert.Equal(t, 0.5, p.Hyperparameters()[alpha])
	assert.False(t, p.Fitted())
	assert.Equal(t, got, p.Session())
}

func TestTuneSurvivesFitError(t *testing.T) {
	exec := &fakeExecutor{
		predict: predictAlpha,
		fitErr: func(a blocks.Assignment) error {
			if a[alpha] == 0.5 {
				return &errdefs.FitError{Step: "regressor.ridge#1", Err: errors.New("singular")}
			}

			return nil
		},
	}

	tuner := &scriptedTuner{proposals: alphas(0.5, 0.25, 2)}

	p, err := New("window_ridge", scriptedConfig(exec, tuner))
	require.NoError(t, err)

	X, _, readings := turbines(12)

	state, err := p.Tune(context.Background(), X, ones(12), readings, 3, nil)
	require.NoError(t, err)

	// Seed (default alpha 1), failure, improvement, regression.
	assert.Equal(t, []float64{1, math.Inf(1), 0.0625, 4}, tuner.recorded)
	assert.Equal(t, 3, state.Iterations)
	assert.Equal(t, Score(0.0625), state.BestScore)
	assert.Equal(t, 0.25, state.BestHyperparameters[alpha])
	assert.Equal(t, 0.25, p.Hyperparameters()[alpha])
	assert.NotEmpty(t, state.ID)
}

func TestTuneAbortsOnOtherErrors(t *testing.T) {
	exec := &fakeExecutor{
		predict: predictAlpha,
		fitErr: func(a blocks.Assignment) error {
			if a[alpha] == 2.0 {
				return errors.New("disk full")
			}

			return nil
		},
	}

	tuner := &scriptedTuner{proposals: alphas(0.5, 2, 0.1)}

	p, err := New("window_ridge", scriptedConfig(exec, tuner))
	require.NoError(t, err)

	X, _, readings := turbines(12)

	state, err := p.Tune(context.Background(), X, ones(12), readings, 3, nil)
	require.EqualError(t, err, "disk full")
	assert.Nil(t, state)
	assert.Nil(t, p.Session())
	assert.Equal(t, 1.0, p.Hyperparameters()[alpha])
}

func TestTuneUnknownTemplate(t *testing.T) {
	_, err := New("not_registered", DefaultConfig())

	var notFound *errdefs.TemplateNotFoundError
	require.ErrorAs(t, err, &notFound)

	p, err := New("window_logistic", DefaultConfig())
	require.NoError(t, err)

	state := &SessionState{
		ID:                  "other",
		Template:            "not_registered",
		Metric:              "accuracy",
		BestScore:           0.7,
		BestHyperparameters: blocks.Assignment{"x#1.y": 1},
		Iterations:          4,
		Folds:               FoldConfig{Splits: 2},
		TunerStates:         map[string][]byte{"not_registered": {1, 2, 3}},
	}
	before := state.Clone()

	X, y, readings := turbines(8)

	_, err = p.Tune(context.Background(), X, y, readings, 2, state)
	require.ErrorAs(t, err, &notFound)

	assert.Equal(t, before, state)
	assert.Nil(t, p.Session())

	// A registered but different template is a corrupt session.
	state.Template = "window_knn"

	_, err = p.Tune(context.Background(), X, y, readings, 2, state)

	var corrupt *errdefs.CorruptStateError
	require.ErrorAs(t, err, &corrupt)
}

func TestTuneFoldPlanningIsFatal(t *testing.T) {
	p, err := New("window_logistic", DefaultConfig())
	require.NoError(t, err)

	X, y, readings := turbines(3)

	_, err = p.Tune(context.Background(), X, y, readings, 2, nil)
	require.Error(t, err)
	assert.Nil(t, p.Session())

	_, err = p.Tune(context.Background(), X, y[:2], readings, 2, nil)
	require.Error(t, err)

	X, y, readings = turbines(8)
	y[2], y[3] = math.NaN(), math.NaN()

	_, err = p.Tune(context.Background(), X, y, readings, 2, nil)
	require.Error(t, err)
	assert.Nil(t, p.Session())
}

func TestTuneMonotonicBest(t *testing.T) {
	progress := make(chan ProgressUpdate, 32)

	cfg := DefaultConfig()
	cfg.CV = FoldConfig{Splits: 4, Stratify: true, Shuffle: true, Seed: 1}
	cfg.ProgressChan = progress
	cfg.Workers = 4

	p, err := New("window_logistic", cfg)
	require.NoError(t, err)

	X, y, readings := turbines(20)

	state, err := p.Tune(context.Background(), X, y, readings, 6, nil)
	require.NoError(t, err)
	require.Len(t, progress, 7)

	first := <-progress
	assert.Equal(t, PhaseSeed, first.Phase)
	assert.Equal(t, 0, first.Iteration)

	best := first.BestScore
	for i := 1; i <= 6; i++ {
		update := <-progress

		assert.Equal(t, PhaseTuning, update.Phase)
		assert.Equal(t, i, update.Iteration)
		assert.Equal(t, 6, update.TotalIterations)
		assert.GreaterOrEqual(t, update.BestScore, best)
		assert.Equal(t, update.Score > best, update.Improved)

		best = update.BestScore
	}

	assert.Equal(t, best, float64(state.BestScore))
	assert.Equal(t, 6, state.Iterations)

	// The best assignment is live; fitting it works.
	assert.Equal(t, state.BestHyperparameters, p.Hyperparameters())
	require.NoError(t, p.Fit(X, y, readings))
	assert.True(t, p.Fitted())
}

func TestTuneResumeMatchesSingleRun(t *testing.T) {
	X, y, readings := turbines(16)

	cfg := DefaultConfig()
	cfg.CV = FoldConfig{Splits: 4, Stratify: true, Shuffle: true, Seed: 5}

	single, err := New("window_knn", cfg)
	require.NoError(t, err)

	want, err := single.Tune(context.Background(), X, y, readings, 6, nil)
	require.NoError(t, err)

	split, err := New("window_knn", cfg)
	require.NoError(t, err)

	first, err := split.Tune(context.Background(), X, y, readings, 3, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, Save(path, split, first))

	loaded, state, err := Load(path, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, state)

	got, err := loaded.Tune(context.Background(), X, y, readings, 3, state)
	require.NoError(t, err)

	assert.Equal(t, 3, state.Iterations, "resuming never modifies the given state")
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 6, got.Iterations)
	assert.GreaterOrEqual(t, float64(got.BestScore), float64(first.BestScore))

	assert.Equal(t, want.BestScore, got.BestScore)
	assert.Equal(t, want.BestHyperparameters, got.BestHyperparameters)
	assert.Equal(t, want.TunerStates, got.TunerStates)
}

func TestTuneCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tuner := &scriptedTuner{
		proposals: alphas(0.5, 0.25, 0.1, 0.05),
		onPropose: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}

	p, err := New("window_ridge", scriptedConfig(&fakeExecutor{predict: predictAlpha}, tuner))
	require.NoError(t, err)

	X, _, readings := turbines(12)

	state, err := p.Tune(ctx, X, ones(12), readings, 4, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, state)

	// The interrupted third iteration left no trace.
	assert.Equal(t, 2, state.Iterations)
	assert.Equal(t, Score(0.0625), state.BestScore)
	assert.Len(t, tuner.recorded, 3)
	assert.Equal(t, map[string][]byte{"window_ridge": {2}}, state.TunerStates)
	assert.Equal(t, 0.25, p.Hyperparameters()[alpha])
}

func TestCrossValidate(t *testing.T) {
	tuner := &scriptedTuner{}

	p, err := New("window_ridge", scriptedConfig(&fakeExecutor{predict: predictAlpha}, tuner))
	require.NoError(t, err)

	X, _, readings := turbines(9)

	score, err := p.CrossValidate(context.Background(), X, ones(9), readings, blocks.Assignment{alpha: 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, score, 1e-12)

	// Nothing about the pipeline changed.
	assert.Equal(t, 1.0, p.Hyperparameters()[alpha])
	assert.Nil(t, p.Session())

	_, err = p.CrossValidate(context.Background(), X, ones(9), readings, blocks.Assignment{alpha: -1.0})

	var invalid *errdefs.InvalidHyperparameterError
	assert.ErrorAs(t, err, &invalid)
}

type memoryRecorder struct {
	trials []Trial
}

func (m *memoryRecorder) RecordTrial(_ context.Context, t Trial) error {
	m.trials = append(m.trials, t)

	return nil
}

func TestTuneRecordsTrials(t *testing.T) {
	rec := &memoryRecorder{}
	tuner := &scriptedTuner{proposals: alphas(0.5, 2)}

	cfg := scriptedConfig(&fakeExecutor{predict: predictAlpha}, tuner)
	cfg.Recorder = rec

	p, err := New("window_ridge", cfg)
	require.NoError(t, err)

	X, _, readings := turbines(6)

	state, err := p.Tune(context.Background(), X, ones(6), readings, 2, nil)
	require.NoError(t, err)
	require.Len(t, rec.trials, 3)

	assert.Equal(t, PhaseSeed, rec.trials[0].Phase)
	assert.Equal(t, 0, rec.trials[0].Iteration)

	assert.Equal(t, 1, rec.trials[1].Iteration)
	assert.True(t, rec.trials[1].Improved)
	assert.Equal(t, 0.25, rec.trials[1].Score)

	assert.Equal(t, 2, rec.trials[2].Iteration)
	assert.False(t, rec.trials[2].Improved)

	for _, trial := range rec.trials {
		assert.Equal(t, state.ID, trial.SessionID)
		assert.Equal(t, "mse", trial.Metric)
		assert.True(t, trial.Cost)
	}
}

func TestPipelineString(t *testing.T) {
	p, err := New("window_logistic", DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "Pipeline(window_logistic, fitted=false, untuned)\n"+
		"  preprocessing: -\n"+
		"  static: -\n"+
		"  tunable: readings.window_aggregate#1, preprocessing.impute#1, preprocessing.standard_scale#1, classifier.logistic_regression#1",
		p.String())

	name, cost := p.Metric()
	assert.Equal(t, "accuracy", name)
	assert.False(t, cost)

	cfg := DefaultConfig()
	cfg.Metric = "auc"

	_, err = New("window_logistic", cfg)
	assert.Error(t, err)

	cfg.MetricFunc = func(yTrue, yPred []float64) float64 { return 0 }
	cfg.Cost = true

	p, err = New("window_logistic", cfg)
	require.NoError(t, err)

	name, cost = p.Metric()
	assert.Equal(t, "auc", name)
	assert.True(t, cost)
}

func TestInitParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitParams = map[string]map[string]any{
		"classifier.knn": {"k": 9},
	}

	p, err := New("window_knn", cfg)
	require.NoError(t, err)
	assert.Equal(t, 9, p.Hyperparameters()["classifier.knn#1.k"])
}
