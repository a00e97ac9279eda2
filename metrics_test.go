package greenguard

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	classes := [2][]float64{{1, 0, 1, 1}, {1, 1, 1, 0}}
	values := [2][]float64{{1, 2, 3}, {1, 2, 5}}

	tests := []struct {
		name string
		in   [2][]float64
		want float64
	}{
		{"accuracy", classes, 0.5},
		{"precision", classes, 2.0 / 3},
		{"recall", classes, 2.0 / 3},
		{"f1", classes, 2.0 / 3},
		{"mse", values, 4.0 / 3},
		{"mae", values, 2.0 / 3},
		{"rmse", values, math.Sqrt(4.0 / 3)},
		{"r2", values, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LookupMetric(tt.name)
			require.NoError(t, err)

			assert.InDelta(t, tt.want, m.Func(tt.in[0], tt.in[1]), 1e-12)
		})
	}
}

func TestMetricDirections(t *testing.T) {
	for _, name := range MetricNames() {
		m := Metrics[name]

		switch name {
		case "mse", "mae", "rmse":
			assert.True(t, m.Cost, name)
		default:
			assert.False(t, m.Cost, name)
		}
	}

	_, err := LookupMetric("auc")
	assert.Error(t, err)
}

func TestMetricsWithoutPositives(t *testing.T) {
	yTrue := []float64{0, 0, 1}
	yPred := []float64{0, 0, 0}

	assert.Equal(t, 0.0, precision(yTrue, yPred))
	assert.Equal(t, 0.0, recall(yTrue, yPred))
	assert.Equal(t, 0.0, f1(yTrue, yPred))
}

func TestScoreJSON(t *testing.T) {
	for _, f := range []float64{0.25, -3, math.Inf(1), math.Inf(-1)} {
		raw, err := json.Marshal(Score(f))
		require.NoError(t, err)

		var got Score
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, f, float64(got))
	}

	raw, err := json.Marshal(Score(math.NaN()))
	require.NoError(t, err)
	assert.Equal(t, `"NaN"`, string(raw))

	var got Score
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, math.IsNaN(float64(got)))

	assert.Error(t, json.Unmarshal([]byte(`"high"`), &got))
}

func TestIsBetter(t *testing.T) {
	assert.True(t, isBetter(0.4, 0.5, true))
	assert.False(t, isBetter(0.5, 0.5, true), "ties keep the incumbent")
	assert.True(t, isBetter(0.6, 0.5, false))
	assert.False(t, isBetter(math.NaN(), 0.5, false))
	assert.True(t, isBetter(0.1, math.NaN(), false))
	assert.False(t, isBetter(math.Inf(1), 0.5, true))
}
