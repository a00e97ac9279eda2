package blocks

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func init() {
	register(Primitive{
		Name: "readings.window_aggregate",
		Tunable: map[string]Spec{
			"window_hours": {Type: KindInt, Range: []float64{1, 720}, Default: 24},
		},
		Fixed: Params{"aggregations": "mean,std,min,max,count"},
		New: func(p Params) Block {
			return &WindowAggregate{
				WindowHours:  p.int("window_hours"),
				Aggregations: strings.Split(p.string("aggregations"), ","),
			}
		},
	})
}

// WindowAggregate turns the readings preceding each cutoff into one feature
// row: every aggregation of every signal over [cutoff - window, cutoff),
// followed by the row covariates.
//
// Readings at or after the cutoff never contribute.
type WindowAggregate struct {
	WindowHours  int
	Aggregations []string

	// Fitted.
	Signals    []string
	Covariates []string
}

// Fit records the signals and covariates that become feature columns.
//
// Parameters:
// - f: Frame whose readings and feature rows are inspected
//
// Returns:
// - An error for an unknown aggregation, or when f has neither signals nor
// covariates.
func (w *WindowAggregate) Fit(f *Frame) error {
	for _, agg := range w.Aggregations {
		if _, ok := aggregators[agg]; !ok {
			return fmt.Errorf("unknown aggregation %q", agg)
		}
	}

	w.Signals = f.Readings.SignalIDs()
	w.Covariates = f.X.CovariateNames()

	if len(w.Signals) == 0 && len(w.Covariates) == 0 {
		return fmt.Errorf("no signals or covariates to build features from")
	}

	return nil
}

// Produce replaces f.Matrix with one row per feature row, aggregating each
// fitted signal over the window before its cutoff.
//
// Parameters:
// - f: Frame to aggregate; its readings need not be sorted by turbine
//
// Returns:
// - Always nil. Signals unseen at fit time are ignored and empty windows
// yield NaN, except for count.
func (w *WindowAggregate) Produce(f *Frame) error {
	window := time.Duration(w.WindowHours) * time.Hour
	byTurbine := f.Readings.ByTurbine()

	signalIndex := make(map[string]int, len(w.Signals))
	for i, s := range w.Signals {
		signalIndex[s] = i
	}

	width := len(w.Signals)*len(w.Aggregations) + len(w.Covariates)
	matrix := make([][]float64, f.X.Len())
	values := make([][]float64, len(w.Signals))

	for i, row := range f.X.Rows {
		for s := range values {
			values[s] = values[s][:0]
		}

		group := byTurbine[row.TurbineID]
		from := row.CutoffTime.Add(-window)

		start := sort.Search(len(group), func(k int) bool { return !group[k].Timestamp.Before(from) })
		for _, rd := range group[start:] {
			if !rd.Timestamp.Before(row.CutoffTime) {
				break
			}

			if s, ok := signalIndex[rd.SignalID]; ok {
				values[s] = append(values[s], rd.Value)
			}
		}

		out := make([]float64, 0, width)
		for s := range w.Signals {
			for _, agg := range w.Aggregations {
				out = append(out, aggregators[agg](values[s]))
			}
		}

		for _, c := range w.Covariates {
			v, ok := row.Covariates[c]
			if !ok {
				v = math.NaN()
			}

			out = append(out, v)
		}

		matrix[i] = out
	}

	f.Matrix = matrix
	f.Columns = w.columns()

	return nil
}

func (w *WindowAggregate) columns() []string {
	cols := make([]string, 0, len(w.Signals)*len(w.Aggregations)+len(w.Covariates))
	for _, s := range w.Signals {
		for _, agg := range w.Aggregations {
			cols = append(cols, s+"_"+agg)
		}
	}

	return append(cols, w.Covariates...)
}

// Empty windows yield NaN, left for the imputer, except count.
var aggregators = map[string]func([]float64) float64{
	"mean": func(v []float64) float64 {
		if len(v) == 0 {
			return math.NaN()
		}

		return stat.Mean(v, nil)
	},
	"std": func(v []float64) float64 {
		switch len(v) {
		case 0:
			return math.NaN()
		case 1:
			return 0
		}

		return stat.StdDev(v, nil)
	},
	"min": func(v []float64) float64 {
		if len(v) == 0 {
			return math.NaN()
		}

		return floats.Min(v)
	},
	"max": func(v []float64) float64 {
		if len(v) == 0 {
			return math.NaN()
		}

		return floats.Max(v)
	},
	"count": func(v []float64) float64 {
		return float64(len(v))
	},
	"last": func(v []float64) float64 {
		if len(v) == 0 {
			return math.NaN()
		}

		return v[len(v)-1]
	},
}
