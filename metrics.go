package greenguard

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MetricFunc scores predictions against the true labels. Both slices have
// the same, non-zero length.
type MetricFunc func(yTrue, yPred []float64) float64

// Metric is a scoring function and its direction.
type Metric struct {
	Func MetricFunc

	// Cost is true when lower scores are better.
	Cost bool
}

// Metrics lists the built-in metrics. Classification metrics treat label 1
// as the positive class.
var Metrics = map[string]Metric{
	"accuracy":  {Func: accuracy},
	"precision": {Func: precision},
	"recall":    {Func: recall},
	"f1":        {Func: f1},
	"r2":        {Func: r2},
	"mse":       {Func: mse, Cost: true},
	"mae":       {Func: mae, Cost: true},
	"rmse":      {Func: rmse, Cost: true},
}

// LookupMetric returns the built-in metric registered as name.
func LookupMetric(name string) (Metric, error) {
	m, ok := Metrics[name]
	if !ok {
		return Metric{}, fmt.Errorf("unknown metric %q, want one of %v", name, MetricNames())
	}

	return m, nil
}

// MetricNames returns the built-in metric names, sorted.
func MetricNames() []string {
	names := make([]string, 0, len(Metrics))
	for k := range Metrics {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

func accuracy(yTrue, yPred []float64) float64 {
	var hits float64
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			hits++
		}
	}

	return hits / float64(len(yTrue))
}

// confusion counts true positives, false positives and false negatives.
func confusion(yTrue, yPred []float64) (tp, fp, fn float64) {
	for i := range yTrue {
		switch {
		case yPred[i] == 1 && yTrue[i] == 1:
			tp++
		case yPred[i] == 1:
			fp++
		case yTrue[i] == 1:
			fn++
		}
	}

	return tp, fp, fn
}

// ratio returns 0 for an empty denominator.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}

	return num / den
}

func precision(yTrue, yPred []float64) float64 {
	tp, fp, _ := confusion(yTrue, yPred)

	return ratio(tp, tp+fp)
}

func recall(yTrue, yPred []float64) float64 {
	tp, _, fn := confusion(yTrue, yPred)

	return ratio(tp, tp+fn)
}

func f1(yTrue, yPred []float64) float64 {
	tp, fp, fn := confusion(yTrue, yPred)

	return ratio(2*tp, 2*tp+fp+fn)
}

func r2(yTrue, yPred []float64) float64 {
	return stat.RSquaredFrom(yPred, yTrue, nil)
}

func mse(yTrue, yPred []float64) float64 {
	diff := make([]float64, len(yTrue))
	floats.SubTo(diff, yTrue, yPred)

	return floats.Dot(diff, diff) / float64(len(diff))
}

func mae(yTrue, yPred []float64) float64 {
	diff := make([]float64, len(yTrue))
	floats.SubTo(diff, yTrue, yPred)

	return floats.Norm(diff, 1) / float64(len(diff))
}

func rmse(yTrue, yPred []float64) float64 {
	return math.Sqrt(mse(yTrue, yPred))
}
