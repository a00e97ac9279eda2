package greenguard

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/thalesfsp/greenguard/data"
)

// FoldConfig configures cross-validation.
type FoldConfig struct {
	// Splits is the number of folds, at least 2.
	Splits int `json:"splits"`

	// Stratify keeps label proportions roughly equal across folds.
	Stratify bool `json:"stratify"`

	// Shuffle permutes rows before splitting, using Seed.
	Shuffle bool `json:"shuffle"`

	// Seed drives the shuffle and the tuner's random state.
	Seed uint64 `json:"seed"`
}

// Fold is one train/test partition of row indices. Both are sorted.
type Fold struct {
	Train []int
	Test  []int
}

// PlanFolds partitions the rows of y into cfg.Splits folds. Every row lands
// in exactly one test set. The plan is deterministic for a given seed.
//
// Stratified plans group rows by label (in ascending label order),
// optionally shuffle each group, and deal rows to folds round robin.
// Non-stratified plans optionally shuffle the rows and cut them into
// contiguous chunks, the first n % Splits of them one row larger.
//
// NaN and infinite labels are rejected.
func PlanFolds(y data.Labels, cfg FoldConfig) ([]Fold, error) {
	n := len(y)

	for i, label := range y {
		if math.IsNaN(label) || math.IsInf(label, 0) {
			return nil, fmt.Errorf("label of row %d is %g; labels must be finite", i, label)
		}
	}

	if cfg.Splits < 2 {
		return nil, fmt.Errorf("cross-validation needs at least 2 splits, got %d", cfg.Splits)
	}

	if n < cfg.Splits {
		return nil, fmt.Errorf("cannot split %d rows into %d folds", n, cfg.Splits)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	shuffle := func(idx []int) {
		if cfg.Shuffle {
			rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		}
	}

	assign := make([]int, n)

	if cfg.Stratify {
		groups := map[float64][]int{}
		for i, label := range y {
			groups[label] = append(groups[label], i)
		}

		labels := make([]float64, 0, len(groups))
		for label := range groups {
			labels = append(labels, label)
		}

		sort.Float64s(labels)

		var order []int
		for _, label := range labels {
			group := groups[label]
			shuffle(group)
			order = append(order, group...)
		}

		for pos, row := range order {
			assign[row] = pos % cfg.Splits
		}
	} else {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}

		shuffle(order)

		size, extra := n/cfg.Splits, n%cfg.Splits

		pos := 0
		for k := 0; k < cfg.Splits; k++ {
			chunk := size
			if k < extra {
				chunk++
			}

			for _, row := range order[pos : pos+chunk] {
				assign[row] = k
			}

			pos += chunk
		}
	}

	folds := make([]Fold, cfg.Splits)
	for row, k := range assign {
		for j := range folds {
			if j == k {
				folds[j].Test = append(folds[j].Test, row)
			} else {
				folds[j].Train = append(folds[j].Train, row)
			}
		}
	}

	return folds, nil
}
