// Package data loads the GreenGuard input tables (readings, target times,
// turbines and signals) from CSV files and exposes them as in-memory tables.
package data

import (
	"sort"
	"time"
)

// FeatureRow is one prediction target: a turbine and the instant the
// prediction is made at.
type FeatureRow struct {
	TurbineID  string
	CutoffTime time.Time

	// Covariates holds numeric columns of target_times and numeric turbine
	// metadata joined onto the row.
	Covariates map[string]float64

	// Attributes holds non-numeric turbine metadata joined onto the row.
	Attributes map[string]string
}

// FeatureTable is the pipeline input, one row per prediction target.
type FeatureTable struct {
	Rows []FeatureRow
}

// Len returns the number of rows.
func (t FeatureTable) Len() int { return len(t.Rows) }

// Subset returns a table holding the rows at idx, in that order. Rows are
// shared, not copied.
func (t FeatureTable) Subset(idx []int) FeatureTable {
	rows := make([]FeatureRow, len(idx))
	for i, j := range idx {
		rows[i] = t.Rows[j]
	}

	return FeatureTable{Rows: rows}
}

// CovariateNames returns the sorted union of covariate names across rows.
func (t FeatureTable) CovariateNames() []string {
	seen := map[string]struct{}{}
	for _, r := range t.Rows {
		for k := range r.Covariates {
			seen[k] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// Labels is the target vector, aligned with FeatureTable rows.
type Labels []float64

// Subset returns the labels at idx, in that order.
func (l Labels) Subset(idx []int) Labels {
	if l == nil {
		return nil
	}

	out := make(Labels, len(idx))
	for i, j := range idx {
		out[i] = l[j]
	}

	return out
}

// Reading is one sensor sample.
type Reading struct {
	TurbineID string
	SignalID  string
	Timestamp time.Time
	Value     float64

	// Attributes holds signal metadata joined onto the reading.
	Attributes map[string]string
}

// Readings is the long-format sensor table.
type Readings []Reading

// ByTurbine groups readings by turbine, each group sorted by timestamp.
func (r Readings) ByTurbine() map[string][]Reading {
	out := map[string][]Reading{}
	for _, rd := range r {
		out[rd.TurbineID] = append(out[rd.TurbineID], rd)
	}

	for _, group := range out {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
	}

	return out
}

// SignalIDs returns the sorted distinct signal ids.
func (r Readings) SignalIDs() []string {
	seen := map[string]struct{}{}
	for _, rd := range r {
		seen[rd.SignalID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for k := range seen {
		ids = append(ids, k)
	}

	sort.Strings(ids)

	return ids
}
