package greenguard

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/greenguard/blocks"
)

func knnSpace(t *testing.T) blocks.Space {
	t.Helper()

	tpl, err := blocks.Resolve("window_knn")
	require.NoError(t, err)

	return tpl.Space()
}

// fakeScore favours small k and the distance weighting.
func fakeScore(a blocks.Assignment) float64 {
	score := float64(a["classifier.knn#1.k"].(int))
	if a["classifier.knn#1.weights"] == "distance" {
		score -= 3
	}

	return score
}

func TestGPTunerDeterministic(t *testing.T) {
	space := knnSpace(t)
	factory := NewGPTuner(DefaultTunerConfig())

	a, err := factory(space, false, 7)
	require.NoError(t, err)

	b, err := factory(space, false, 7)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		pa, err := a.Propose()
		require.NoError(t, err)

		pb, err := b.Propose()
		require.NoError(t, err)

		// Same seed and same history, same proposal.
		assert.Equal(t, pa, pb, "proposal %d", i)

		// Every proposal is a complete, valid assignment.
		valid, err := space.Validate(pa)
		require.NoError(t, err)
		assert.Len(t, valid, len(space))

		require.NoError(t, a.Record(pa, fakeScore(pa)))
		require.NoError(t, b.Record(pb, fakeScore(pb)))
	}
}

func TestGPTunerResume(t *testing.T) {
	space := knnSpace(t)
	factory := NewGPTuner(DefaultTunerConfig())

	original, err := factory(space, true, 42)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		p, err := original.Propose()
		require.NoError(t, err)
		require.NoError(t, original.Record(p, -fakeScore(p)))
	}

	raw, err := original.MarshalBinary()
	require.NoError(t, err)

	// The seed passed here is overridden by the restored random state.
	restored, err := factory(space, true, 1)
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalBinary(raw))

	for i := 0; i < 6; i++ {
		want, err := original.Propose()
		require.NoError(t, err)

		got, err := restored.Propose()
		require.NoError(t, err)

		assert.Equal(t, want, got, "proposal %d after resume", i)

		require.NoError(t, original.Record(want, -fakeScore(want)))
		require.NoError(t, restored.Record(got, -fakeScore(got)))
	}
}

func TestGPTunerAcquisitionFunctions(t *testing.T) {
	space := knnSpace(t)

	for _, name := range []string{"ucb", "pi", "ei", "thompson"} {
		t.Run(name, func(t *testing.T) {
			fn, err := AcquisitionByName(name)
			require.NoError(t, err)

			cfg := DefaultTunerConfig()
			cfg.InitialSamples = 2
			cfg.AcquisitionFunc = fn

			tuner, err := NewGPTuner(cfg)(space, false, 3)
			require.NoError(t, err)

			for i := 0; i < 6; i++ {
				p, err := tuner.Propose()
				require.NoError(t, err)

				_, err = space.Validate(p)
				require.NoError(t, err)

				// Failed evaluations must not break later proposals.
				score := fakeScore(p)
				if i%3 == 0 {
					score = math.Inf(1)
				}

				require.NoError(t, tuner.Record(p, score))
			}
		})
	}

	_, err := AcquisitionByName("greedy")
	assert.Error(t, err)
}

func TestGPTunerRecordRejects(t *testing.T) {
	space := knnSpace(t)

	tuner, err := NewGPTuner(DefaultTunerConfig())(space, false, 0)
	require.NoError(t, err)

	assert.Error(t, tuner.Record(blocks.Assignment{"classifier.knn#1.k": 3}, 1), "incomplete")
	assert.Error(t, tuner.Record(blocks.Assignment{"classifier.knn#1.k": 300}, 1), "out of range")

	assert.NoError(t, tuner.UnmarshalBinary(nil))
	assert.Error(t, tuner.UnmarshalBinary([]byte("garbage")))
}

func TestGaussianProcessPredict(t *testing.T) {
	gp := newGaussianProcess(0.25)

	mean, variance := gp.Predict([]float64{0.5})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)

	gp.Update([]float64{0}, 1)
	gp.Update([]float64{1}, math.Inf(1))

	// The failed point is predicted one unit worse than the worst finite one.
	mean, variance = gp.Predict([]float64{0})
	assert.InDelta(t, 1, mean, 0.01)
	assert.Equal(t, minVariance, variance)

	mean, _ = gp.Predict([]float64{1})
	assert.InDelta(t, 2, mean, 0.01)

	_, variance = gp.Predict([]float64{10})
	assert.InDelta(t, 1, variance, 1e-9)

	assert.Equal(t, 1.0, gp.Best())
	assert.Equal(t, 2, gp.Len())
}

func TestAcquisitionFunctions(t *testing.T) {
	params := AcquisitionParams{Beta: 2, Xi: 0, BestSoFar: 1}

	assert.Equal(t, -1.0, UCB(1, 1, params))

	// A lower predicted mean is more promising for every function.
	assert.Less(t, ProbabilityOfImprovement(0, 1, params), ProbabilityOfImprovement(2, 1, params))
	assert.Less(t, ExpectedImprovement(0, 1, params), ExpectedImprovement(2, 1, params))
	assert.InDelta(t, 0.5, ProbabilityOfImprovement(1, 1, params), 1e-12)

	params.RandomState = rand.New(rand.NewPCG(1, 2))
	assert.False(t, math.IsNaN(ThompsonSampling(1, 1, params)))

	// Without a finite best, PI and EI fall back to UCB.
	params.BestSoFar = math.Inf(1)
	assert.Equal(t, UCB(1, 1, params), ExpectedImprovement(1, 1, params))
	assert.Equal(t, UCB(1, 1, params), ProbabilityOfImprovement(1, 1, params))
}
