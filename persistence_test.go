package greenguard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/greenguard/errdefs"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	X, y, readings := turbines(12)

	cfg := DefaultConfig()
	cfg.CV = FoldConfig{Splits: 3, Stratify: true}

	p, err := New("window_logistic", cfg)
	require.NoError(t, err)

	state, err := p.Tune(context.Background(), X, y, readings, 2, nil)
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, y, readings))

	want, err := p.Predict(X, readings)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, Save(path, p, state))

	loaded, session, err := Load(path, DefaultConfig())
	require.NoError(t, err)

	assert.True(t, loaded.Fitted())
	assert.Equal(t, p.Hyperparameters(), loaded.Hyperparameters())
	assert.Equal(t, state, session)
	assert.Equal(t, state, loaded.Session())

	got, err := loaded.Predict(X, readings)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveLoadUnfitted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metric = "rmse"
	cfg.InitParams = map[string]map[string]any{"regressor.ridge": {"alpha": 3}}

	p, err := New("window_ridge", cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, Save(path, p, nil))

	loaded, session, err := Load(path, DefaultConfig())
	require.NoError(t, err)

	assert.Nil(t, session)
	assert.False(t, loaded.Fitted())
	assert.Equal(t, 3.0, loaded.Hyperparameters()[alpha])

	name, cost := loaded.Metric()
	assert.Equal(t, "rmse", name)
	assert.True(t, cost)

	X, _, readings := turbines(2)

	_, err = loaded.Predict(X, readings)
	assert.ErrorIs(t, err, errdefs.ErrNotFitted)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		return path
	}

	_, _, err := Load(filepath.Join(dir, "missing.json"), DefaultConfig())

	var ioErr *errdefs.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, _, err = Load(write("garbage.json", "not json"), DefaultConfig())

	var corrupt *errdefs.CorruptStateError
	assert.ErrorAs(t, err, &corrupt)

	_, _, err = Load(write("future.json", `{"format_version": 2}`), DefaultConfig())

	var version *errdefs.VersionMismatchError
	require.ErrorAs(t, err, &version)
	assert.Equal(t, 2, version.Got)
	assert.Equal(t, FormatVersion, version.Want)

	_, _, err = Load(write("unknown.json", `{
		"format_version": 1,
		"template": {"name": "gone", "source": "gone"},
		"metric": "accuracy"
	}`), DefaultConfig())

	var notFound *errdefs.TemplateNotFoundError
	require.ErrorAs(t, err, &corrupt)
	assert.ErrorAs(t, err, &notFound)

	_, _, err = Load(write("renamed.json", `{
		"format_version": 1,
		"template": {"name": "window_other", "source": "window_knn"},
		"metric": "accuracy"
	}`), DefaultConfig())
	assert.ErrorAs(t, err, &corrupt)

	_, _, err = Load(write("badmodel.json", `{
		"format_version": 1,
		"template": {"name": "window_knn", "source": "window_knn"},
		"metric": "accuracy",
		"fitted": true,
		"model_state": "bm90IGdvYg=="
	}`), DefaultConfig())
	assert.ErrorAs(t, err, &corrupt)
}

func TestSaveFailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	p, err := New("window_logistic", DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, Save(path, p, nil))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	exec := &fakeExecutor{predict: predictAlpha, marshalErr: errors.New("encoder broke")}

	cfg := DefaultConfig()
	cfg.Executor = exec

	broken, err := New("window_ridge", cfg)
	require.NoError(t, err)
	require.Error(t, Save(path, broken, nil))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A destination that cannot be replaced is an IOError.
	err = Save(dir, p, nil)

	var ioErr *errdefs.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, dir, ioErr.Path)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

// errorRate is the share of wrong 0/1 predictions.
func errorRate(yTrue, yPred []float64) float64 {
	var wrong float64

	for i := range yTrue {
		if yTrue[i] != yPred[i] {
			wrong++
		}
	}

	return wrong / float64(len(yTrue))
}

func TestLoadWithoutCustomMetric(t *testing.T) {
	X, y, readings := turbines(12)

	cfg := DefaultConfig()
	cfg.CV = FoldConfig{Splits: 3, Stratify: true}
	cfg.Metric = "error_rate"
	cfg.MetricFunc = errorRate
	cfg.Cost = true

	p, err := New("window_logistic", cfg)
	require.NoError(t, err)

	state, err := p.Tune(context.Background(), X, y, readings, 1, nil)
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, y, readings))

	want, err := p.Predict(X, readings)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, Save(path, p, state))

	loaded, session, err := Load(path, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, state, session)

	name, cost := loaded.Metric()
	assert.Equal(t, "error_rate", name)
	assert.True(t, cost)

	got, err := loaded.Predict(X, readings)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, loaded.Fit(X, y, readings))

	_, err = loaded.Tune(context.Background(), X, y, readings, 1, session)
	require.ErrorIs(t, err, errdefs.ErrMetricUnavailable)
	assert.Contains(t, err.Error(), "error_rate")

	_, err = loaded.CrossValidate(context.Background(), X, y, readings, nil)
	require.ErrorIs(t, err, errdefs.ErrMetricUnavailable)

	// Handing the metric back resumes the session.
	resumed, session, err := Load(path, cfg)
	require.NoError(t, err)

	next, err := resumed.Tune(context.Background(), X, y, readings, 1, session)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Iterations)
	assert.Equal(t, state.ID, next.ID)
}

func TestLoadKeepsSavedTemplateDocument(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "custom_knn.yaml")

	document := func(maxK, defaultK int) string {
		return fmt.Sprintf(`name: custom_knn
primitives:
  - readings.window_aggregate
  - preprocessing.impute
  - preprocessing.standard_scale
  - classifier.knn
hyperparameters:
  classifier.knn#1:
    k:
      type: int
      range: [1, %d]
      default: %d
`, maxK, defaultK)
	}

	require.NoError(t, os.WriteFile(source, []byte(document(9, 7)), 0o600))

	p, err := New(source, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 7, p.Hyperparameters()["classifier.knn#1.k"])

	path := filepath.Join(dir, "model.json")
	require.NoError(t, Save(path, p, nil))

	// Narrowing the range afterwards leaves the saved pipeline valid.
	require.NoError(t, os.WriteFile(source, []byte(document(3, 2)), 0o600))

	loaded, _, err := Load(path, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, source, loaded.Template().Source)
	assert.Equal(t, []float64{1, 9}, loaded.Template().Space()["classifier.knn#1.k"].Range)
	assert.Equal(t, 7, loaded.Hyperparameters()["classifier.knn#1.k"])
	require.NoError(t, loaded.SetHyperparameters(map[string]any{"classifier.knn#1.k": 8}))

	// A source that now resolves under another name is still refused.
	require.NoError(t, os.WriteFile(source, []byte(strings.Replace(document(9, 7), "custom_knn", "other_knn", 1)), 0o600))

	_, _, err = Load(path, DefaultConfig())

	var corrupt *errdefs.CorruptStateError
	assert.ErrorAs(t, err, &corrupt)
}
