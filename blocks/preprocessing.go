package blocks

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

func init() {
	register(Primitive{
		Name: "preprocessing.impute",
		Tunable: map[string]Spec{
			"strategy": {Type: KindString, Values: []string{"mean", "median", "zero"}, Default: "mean"},
		},
		New: func(p Params) Block {
			return &Impute{Strategy: p.string("strategy")}
		},
	})

	register(Primitive{
		Name: "preprocessing.standard_scale",
		Tunable: map[string]Spec{
			"with_std": {Type: KindBool, Default: true},
		},
		New: func(p Params) Block {
			return &StandardScale{WithStd: p.bool("with_std")}
		},
	})
}

// Impute replaces NaN cells with a per-column fill value learned at fit.
type Impute struct {
	Strategy string

	Fill []float64
}

// Fit learns one fill value per column from its non-NaN entries. Columns
// with no values fill with 0.
//
// Parameters:
// - f: Frame with a feature matrix
//
// Returns:
// - An error for an empty matrix or an unknown strategy.
func (m *Impute) Fit(f *Frame) error {
	if len(f.Matrix) == 0 {
		return fmt.Errorf("empty feature matrix")
	}

	width := len(f.Matrix[0])
	m.Fill = make([]float64, width)

	col := make([]float64, 0, len(f.Matrix))
	for j := 0; j < width; j++ {
		col = col[:0]
		for _, row := range f.Matrix {
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}

		if len(col) == 0 {
			continue
		}

		switch m.Strategy {
		case "mean":
			m.Fill[j] = stat.Mean(col, nil)
		case "median":
			sort.Float64s(col)
			m.Fill[j] = stat.Quantile(0.5, stat.Empirical, col, nil)
		case "zero":
		default:
			return fmt.Errorf("unknown impute strategy %q", m.Strategy)
		}
	}

	return nil
}

// Produce replaces f.Matrix with a copy whose NaN entries are filled.
//
// Parameters:
// - f: Frame whose matrix has the fitted width
//
// Returns:
// - An error for a row of another width.
func (m *Impute) Produce(f *Frame) error {
	out := make([][]float64, len(f.Matrix))
	for i, row := range f.Matrix {
		if len(row) != len(m.Fill) {
			return fmt.Errorf("row %d has %d columns, fitted on %d", i, len(row), len(m.Fill))
		}

		r := make([]float64, len(row))
		for j, v := range row {
			if math.IsNaN(v) {
				v = m.Fill[j]
			}

			r[j] = v
		}

		out[i] = r
	}

	f.Matrix = out

	return nil
}

// StandardScale centres every column and, optionally, scales it to unit
// variance. Constant columns are only centred.
type StandardScale struct {
	WithStd bool

	Mean  []float64
	Scale []float64
}

// Fit learns the mean and, with WithStd, the standard deviation of every
// column.
//
// Parameters:
// - f: Frame with a complete feature matrix
//
// Returns:
// - An error for an empty matrix or a column holding NaN.
func (s *StandardScale) Fit(f *Frame) error {
	if len(f.Matrix) == 0 {
		return fmt.Errorf("empty feature matrix")
	}

	width := len(f.Matrix[0])
	s.Mean = make([]float64, width)
	s.Scale = make([]float64, width)

	col := make([]float64, len(f.Matrix))
	for j := 0; j < width; j++ {
		for i, row := range f.Matrix {
			col[i] = row[j]
		}

		mean, variance := stat.PopMeanVariance(col, nil)
		if math.IsNaN(mean) {
			return fmt.Errorf("column %d contains NaN; impute before scaling", j)
		}

		s.Mean[j] = mean
		s.Scale[j] = 1

		if sd := math.Sqrt(variance); s.WithStd && sd > 0 {
			s.Scale[j] = sd
		}
	}

	return nil
}

// Produce replaces f.Matrix with a scaled copy.
//
// Parameters:
// - f: Frame whose matrix has the fitted width
//
// Returns:
// - An error for a row of another width.
func (s *StandardScale) Produce(f *Frame) error {
	out := make([][]float64, len(f.Matrix))
	for i, row := range f.Matrix {
		if len(row) != len(s.Mean) {
			return fmt.Errorf("row %d has %d columns, fitted on %d", i, len(row), len(s.Mean))
		}

		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = (v - s.Mean[j]) / s.Scale[j]
		}

		out[i] = r
	}

	f.Matrix = out

	return nil
}
