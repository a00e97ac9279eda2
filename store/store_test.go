package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/greenguard"
	"github.com/thalesfsp/greenguard/blocks"
	"github.com/thalesfsp/greenguard/data"
)

func tempStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestRecordAndListTrials(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	trials := []greenguard.Trial{
		{
			Iteration:       0,
			Phase:           greenguard.PhaseSeed,
			Hyperparameters: blocks.Assignment{"classifier.knn#1.k": 5},
			Score:           0.6,
			BestScore:       0.6,
			Improved:        true,
			Duration:        time.Second,
		},
		{
			Iteration:       1,
			Phase:           greenguard.PhaseTuning,
			Hyperparameters: blocks.Assignment{"classifier.knn#1.k": 9},
			Score:           math.Inf(-1),
			BestScore:       0.6,
			Failed:          true,
			Duration:        2 * time.Millisecond,
		},
		{
			Iteration:       2,
			Phase:           greenguard.PhaseTuning,
			Hyperparameters: blocks.Assignment{"classifier.knn#1.weights": "distance"},
			Score:           0.8,
			BestScore:       0.8,
			Improved:        true,
		},
	}

	for i, tr := range trials {
		tr.SessionID = "s1"
		tr.Template = "window_knn"
		tr.Metric = "accuracy"
		tr.CreatedAt = start.Add(time.Duration(i) * time.Minute)

		require.NoError(t, s.RecordTrial(ctx, tr))
	}

	got, err := s.ListTrials(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, greenguard.PhaseSeed, got[0].Phase)
	assert.Equal(t, "window_knn", got[0].Template)
	assert.Equal(t, "window_knn", got[0].BestTemplate)
	assert.Equal(t, time.Second, got[0].Duration)
	assert.Equal(t, start, got[0].CreatedAt)

	// JSON brings numbers back as float64.
	assert.Equal(t, 5.0, got[0].Hyperparameters["classifier.knn#1.k"])

	assert.True(t, math.IsInf(got[1].Score, -1))
	assert.True(t, got[1].Failed)
	assert.False(t, got[1].Improved)

	assert.Equal(t, "distance", got[2].Hyperparameters["classifier.knn#1.weights"])
	assert.Equal(t, 0.8, got[2].BestScore)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Iterations)
	assert.Equal(t, 0.8, sess.BestScore)
	assert.False(t, sess.Cost)
	assert.Equal(t, start, sess.CreatedAt)
	assert.Equal(t, start.Add(2*time.Minute), sess.UpdatedAt)

	none, err := s.ListTrials(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListSessionsOrder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		require.NoError(t, s.RecordTrial(ctx, greenguard.Trial{
			SessionID: id,
			Template:  "window_ridge",
			Metric:    "mse",
			Cost:      true,
			Score:     math.NaN(),
			BestScore: math.Inf(1),
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		}))
	}

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "old", sessions[1].ID)
	assert.True(t, sessions[0].Cost)
	assert.True(t, math.IsInf(sessions[0].BestScore, 1))

	trials, err := s.ListTrials(ctx, "old")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.True(t, math.IsNaN(trials[0].Score))
}

func TestSessionFollowsBestTemplate(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	trials := []greenguard.Trial{
		{Phase: greenguard.PhaseSeed, Template: "window_knn", BestTemplate: "window_knn", Score: 0.6, BestScore: 0.6, Improved: true},
		{Phase: greenguard.PhaseSeed, Template: "staged_window_knn", BestTemplate: "window_knn", Score: 0.5, BestScore: 0.6},
		{Iteration: 1, Phase: greenguard.PhaseTuning, Template: "window_knn", BestTemplate: "window_knn", Score: 0.55, BestScore: 0.6},
		{Iteration: 2, Phase: greenguard.PhaseTuning, Template: "staged_window_knn", BestTemplate: "staged_window_knn", Score: 0.9, BestScore: 0.9, Improved: true},
	}

	start := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	for i, tr := range trials {
		tr.SessionID = "multi"
		tr.Metric = "accuracy"
		tr.CreatedAt = start.Add(time.Duration(i) * time.Second)

		require.NoError(t, s.RecordTrial(ctx, tr))
	}

	sess, err := s.GetSession(ctx, "multi")
	require.NoError(t, err)
	assert.Equal(t, "staged_window_knn", sess.Template)
	assert.Equal(t, 0.9, sess.BestScore)

	got, err := s.ListTrials(ctx, "multi")
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "staged_window_knn", got[1].Template)
	assert.Equal(t, "window_knn", got[1].BestTemplate)
	assert.Equal(t, "staged_window_knn", got[3].BestTemplate)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordTrial(context.Background(), greenguard.Trial{
		SessionID: "s1", Template: "window_knn", Metric: "f1", Score: 0.5, BestScore: 0.5,
	}))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	sessions, err := s.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "f1", sessions[0].Metric)
}

func TestStoreRecordsTuning(t *testing.T) {
	s := tempStore(t)

	var (
		X        data.FeatureTable
		y        data.Labels
		readings data.Readings
		cutoff   = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	)

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("T%02d", i)
		label := float64(i % 2)

		X.Rows = append(X.Rows, data.FeatureRow{TurbineID: id, CutoffTime: cutoff})
		y = append(y, label)

		for h := 1; h <= 12; h++ {
			readings = append(readings, data.Reading{
				TurbineID: id,
				SignalID:  "S1",
				Timestamp: cutoff.Add(-time.Duration(h) * time.Hour),
				Value:     label * 10,
			})
		}
	}

	cfg := greenguard.DefaultConfig()
	cfg.CV = greenguard.FoldConfig{Splits: 2, Stratify: true}
	cfg.Recorder = s

	p, err := greenguard.New("window_logistic", cfg)
	require.NoError(t, err)

	state, err := p.Tune(context.Background(), X, y, readings, 2, nil)
	require.NoError(t, err)

	trials, err := s.ListTrials(context.Background(), state.ID)
	require.NoError(t, err)
	require.Len(t, trials, 3)

	assert.Equal(t, greenguard.PhaseSeed, trials[0].Phase)
	assert.Equal(t, 2, trials[2].Iteration)

	sess, err := s.GetSession(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Iterations)
	assert.Equal(t, float64(state.BestScore), sess.BestScore)
	assert.Equal(t, "window_logistic", sess.Template)
}
