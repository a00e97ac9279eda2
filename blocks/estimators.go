package blocks

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

func init() {
	register(Primitive{
		Name: "classifier.logistic_regression",
		Tunable: map[string]Spec{
			"learning_rate": {Type: KindFloat, Range: []float64{0.001, 1}, Default: 0.1},
			"epochs":        {Type: KindInt, Range: []float64{10, 500}, Default: 100},
			"l2":            {Type: KindFloat, Range: []float64{0, 1}, Default: 0.0},
		},
		Fixed:     Params{"threshold": 0.5},
		Estimator: true,
		New: func(p Params) Block {
			return &LogisticRegression{
				LearningRate: p.float("learning_rate"),
				Epochs:       p.int("epochs"),
				L2:           p.float("l2"),
				Threshold:    p.float("threshold"),
			}
		},
	})

	register(Primitive{
		Name: "classifier.knn",
		Tunable: map[string]Spec{
			"k":       {Type: KindInt, Range: []float64{1, 25}, Default: 5},
			"weights": {Type: KindString, Values: []string{"uniform", "distance"}, Default: "uniform"},
		},
		Estimator: true,
		New: func(p Params) Block {
			return &KNN{K: p.int("k"), Weights: p.string("weights")}
		},
	})

	register(Primitive{
		Name: "regressor.ridge",
		Tunable: map[string]Spec{
			"alpha": {Type: KindFloat, Range: []float64{0.0001, 100}, Default: 1.0},
		},
		Estimator: true,
		New: func(p Params) Block {
			return &Ridge{Alpha: p.float("alpha")}
		},
	})
}

func checkTarget(f *Frame) error {
	if f.Y == nil {
		return fmt.Errorf("estimator needs a target")
	}

	if len(f.Y) != len(f.Matrix) {
		return fmt.Errorf("%d labels for %d rows", len(f.Y), len(f.Matrix))
	}

	if len(f.Matrix) == 0 {
		return fmt.Errorf("empty feature matrix")
	}

	return nil
}

//////
// Logistic regression.
//////

// LogisticRegression is a binary classifier trained with full-batch
// gradient descent from zero weights, so fits are deterministic.
type LogisticRegression struct {
	LearningRate float64
	Epochs       int
	L2           float64
	Threshold    float64

	W []float64
	B float64
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func (m *LogisticRegression) proba(row []float64) float64 {
	z := m.B
	for j, v := range row {
		z += m.W[j] * v
	}

	return sigmoid(z)
}

// Fit trains the weights by full-batch gradient descent.
//
// Parameters:
// - f: Frame with a feature matrix and 0/1 labels
//
// Returns:
// - An error if the labels are missing, not binary, or the weights diverge.
func (m *LogisticRegression) Fit(f *Frame) error {
	if err := checkTarget(f); err != nil {
		return err
	}

	for i, y := range f.Y {
		if y != 0 && y != 1 {
			return fmt.Errorf("label %v at row %d is not binary", y, i)
		}
	}

	n := float64(len(f.Matrix))
	m.W = make([]float64, len(f.Matrix[0]))
	m.B = 0

	grad := make([]float64, len(m.W))
	for ep := 0; ep < m.Epochs; ep++ {
		for j := range grad {
			grad[j] = m.L2 * m.W[j]
		}

		var gb float64
		for i, row := range f.Matrix {
			d := (m.proba(row) - f.Y[i]) / n
			for j, v := range row {
				grad[j] += d * v
			}

			gb += d
		}

		for j := range m.W {
			m.W[j] -= m.LearningRate * grad[j]
		}

		m.B -= m.LearningRate * gb
	}

	for _, w := range m.W {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weights diverged")
		}
	}

	return nil
}

// Produce sets f.Predictions to 1 where the probability reaches the
// threshold, 0 elsewhere.
//
// Parameters:
// - f: Frame whose matrix has the fitted width
//
// Returns:
// - An error for a row of another width.
func (m *LogisticRegression) Produce(f *Frame) error {
	out := make([]float64, len(f.Matrix))
	for i, row := range f.Matrix {
		if len(row) != len(m.W) {
			return fmt.Errorf("row %d has %d columns, fitted on %d", i, len(row), len(m.W))
		}

		if m.proba(row) >= m.Threshold {
			out[i] = 1
		}
	}

	f.Predictions = out

	return nil
}

//////
// k nearest neighbours.
//////

// KNN votes among the K closest training rows by Euclidean distance.
// Ties go to the smallest label.
type KNN struct {
	K       int
	Weights string

	X [][]float64
	Y []float64
}

// Fit keeps the training rows.
//
// Parameters:
// - f: Frame with a feature matrix and labels
//
// Returns:
// - An error if the labels are missing or the weighting is unknown.
func (m *KNN) Fit(f *Frame) error {
	if err := checkTarget(f); err != nil {
		return err
	}

	if m.Weights != "uniform" && m.Weights != "distance" {
		return fmt.Errorf("unknown weights %q", m.Weights)
	}

	m.X = f.Matrix
	m.Y = append([]float64(nil), f.Y...)

	return nil
}

// Produce sets f.Predictions to the vote of the nearest training rows. K is
// capped at the number of training rows.
//
// Parameters:
// - f: Frame whose matrix has the fitted width
//
// Returns:
// - An error for a row of another width.
func (m *KNN) Produce(f *Frame) error {
	k := m.K
	if k > len(m.X) {
		k = len(m.X)
	}

	type neighbour struct {
		dist float64
		idx  int
	}

	out := make([]float64, len(f.Matrix))
	ns := make([]neighbour, len(m.X))

	for i, row := range f.Matrix {
		for t, train := range m.X {
			if len(train) != len(row) {
				return fmt.Errorf("row %d has %d columns, fitted on %d", i, len(row), len(train))
			}

			var d float64
			for j := range row {
				diff := row[j] - train[j]
				d += diff * diff
			}

			ns[t] = neighbour{dist: math.Sqrt(d), idx: t}
		}

		sort.SliceStable(ns, func(a, b int) bool { return ns[a].dist < ns[b].dist })

		votes := map[float64]float64{}
		for _, nb := range ns[:k] {
			w := 1.0
			if m.Weights == "distance" {
				w = 1 / math.Max(nb.dist, 1e-12)
			}

			votes[m.Y[nb.idx]] += w
		}

		labels := make([]float64, 0, len(votes))
		for l := range votes {
			labels = append(labels, l)
		}

		sort.Float64s(labels)

		best := labels[0]
		for _, l := range labels[1:] {
			if votes[l] > votes[best] {
				best = l
			}
		}

		out[i] = best
	}

	f.Predictions = out

	return nil
}

//////
// Ridge regression.
//////

// Ridge solves the L2-penalised least squares problem in closed form on
// centred data; the intercept is not penalised.
type Ridge struct {
	Alpha float64

	W         []float64
	Intercept float64
}

// Fit solves the regularised normal equations on centred data.
//
// Parameters:
// - f: Frame with a feature matrix and numeric labels
//
// Returns:
// - An error if the labels are missing or the system cannot be solved.
func (m *Ridge) Fit(f *Frame) error {
	if err := checkTarget(f); err != nil {
		return err
	}

	rows, cols := len(f.Matrix), len(f.Matrix[0])

	xMean := make([]float64, cols)
	for _, row := range f.Matrix {
		for j, v := range row {
			xMean[j] += v / float64(rows)
		}
	}

	var yMean float64
	for _, y := range f.Y {
		yMean += y / float64(rows)
	}

	X := mat.NewDense(rows, cols, nil)
	y := mat.NewVecDense(rows, nil)

	for i, row := range f.Matrix {
		for j, v := range row {
			X.Set(i, j, v-xMean[j])
		}

		y.SetVec(i, f.Y[i]-yMean)
	}

	var A mat.Dense
	A.Mul(X.T(), X)

	for j := 0; j < cols; j++ {
		A.Set(j, j, A.At(j, j)+m.Alpha)
	}

	var b mat.VecDense
	b.MulVec(X.T(), y)

	var w mat.VecDense
	if err := w.SolveVec(&A, &b); err != nil {
		return fmt.Errorf("solve: %w", err)
	}

	m.W = make([]float64, cols)
	m.Intercept = yMean

	for j := range m.W {
		m.W[j] = w.AtVec(j)
		m.Intercept -= m.W[j] * xMean[j]
	}

	return nil
}

// Produce sets f.Predictions to the fitted linear response.
//
// Parameters:
// - f: Frame whose matrix has the fitted width
//
// Returns:
// - An error for a row of another width.
func (m *Ridge) Produce(f *Frame) error {
	out := make([]float64, len(f.Matrix))
	for i, row := range f.Matrix {
		if len(row) != len(m.W) {
			return fmt.Errorf("row %d has %d columns, fitted on %d", i, len(row), len(m.W))
		}

		v := m.Intercept
		for j, x := range row {
			v += m.W[j] * x
		}

		out[i] = v
	}

	f.Predictions = out

	return nil
}
