package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thalesfsp/greenguard/errdefs"
)

// Default table names. Files are read from "<dir>/<name>.csv".
const (
	DefaultReadings    = "readings"
	DefaultTargetTimes = "target_times"
	DefaultTurbines    = "turbines"
	DefaultSignals     = "signals"
)

// Column names the loader understands.
const (
	ColTurbineID  = "turbine_id"
	ColSignalID   = "signal_id"
	ColTimestamp  = "timestamp"
	ColValue      = "value"
	ColCutoffTime = "cutoff_time"
	ColTarget     = "target"
)

// inferenceCutoffLag is added to a turbine's latest reading to build its
// cutoff when target_times is absent in inference mode.
const inferenceCutoffLag = time.Second

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Options controls which files are read.
type Options struct {
	// Table name overrides. Empty means the default name.
	Readings    string
	TargetTimes string
	Turbines    string
	Signals     string

	// Inference skips the target column. target_times becomes optional.
	Inference bool

	// Logger receives debug output. The zero value discards it.
	Logger zerolog.Logger
}

func (o Options) name(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

// table is a parsed CSV file keyed by header.
type table struct {
	name    string
	columns map[string]int
	header  []string
	rows    [][]string
}

func (t *table) get(row []string, col string) string {
	i, ok := t.columns[col]
	if !ok || i >= len(row) {
		return ""
	}

	return strings.TrimSpace(row[i])
}

func (t *table) has(col string) bool {
	_, ok := t.columns[col]

	return ok
}

// Load reads the tables under dir and returns the feature table, the labels
// (nil in inference mode) and the readings.
func Load(dir string, opts Options) (FeatureTable, Labels, Readings, error) {
	log := opts.Logger

	readingsTable, err := readTable(dir, opts.name(opts.Readings, DefaultReadings), true,
		ColTurbineID, ColSignalID, ColTimestamp, ColValue)
	if err != nil {
		return FeatureTable{}, nil, nil, err
	}

	required := []string{ColTurbineID, ColCutoffTime}
	if !opts.Inference {
		required = append(required, ColTarget)
	}

	targetTable, err := readTable(dir, opts.name(opts.TargetTimes, DefaultTargetTimes), !opts.Inference, required...)
	if err != nil {
		return FeatureTable{}, nil, nil, err
	}

	turbinesTable, err := readTable(dir, opts.name(opts.Turbines, DefaultTurbines), false, ColTurbineID)
	if err != nil {
		return FeatureTable{}, nil, nil, err
	}

	signalsTable, err := readTable(dir, opts.name(opts.Signals, DefaultSignals), false, ColSignalID)
	if err != nil {
		return FeatureTable{}, nil, nil, err
	}

	readings, err := parseReadings(readingsTable, signalsTable)
	if err != nil {
		return FeatureTable{}, nil, nil, err
	}

	var (
		features FeatureTable
		labels   Labels
	)

	if targetTable != nil {
		features, labels, err = parseTargetTimes(targetTable, !opts.Inference)
		if err != nil {
			return FeatureTable{}, nil, nil, err
		}
	} else {
		features = inferenceTargets(readings)
	}

	if turbinesTable != nil {
		joinTurbines(&features, turbinesTable)
	}

	log.Debug().
		Int("readings", len(readings)).
		Int("targets", features.Len()).
		Bool("inference", opts.Inference).
		Msg("tables loaded")

	return features, labels, readings, nil
}

// readTable reads "<dir>/<name>.csv". A missing optional file returns nil.
func readTable(dir, name string, required bool, columns ...string) (*table, error) {
	path := filepath.Join(dir, name+".csv")

	f, err := os.Open(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, &errdefs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &errdefs.MissingColumnError{Table: name, Column: columns[0]}
		}

		return nil, fmt.Errorf("read %s header: %w", name, err)
	}

	t := &table{name: name, columns: map[string]int{}, header: make([]string, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		t.header[i] = h
		t.columns[h] = i
	}

	for _, col := range columns {
		if !t.has(col) {
			return nil, &errdefs.MissingColumnError{Table: name, Column: col}
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		t.rows = append(t.rows, rec)
	}

	return t, nil
}

func parseReadings(t, signals *table) (Readings, error) {
	meta := metadata(signals, ColSignalID)

	out := make(Readings, 0, len(t.rows))
	for i, row := range t.rows {
		ts, err := ParseTime(t.get(row, ColTimestamp))
		if err != nil {
			return nil, fmt.Errorf("%s line %d column %s: %w", t.name, i+2, ColTimestamp, err)
		}

		v, err := strconv.ParseFloat(t.get(row, ColValue), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d column %s: %w", t.name, i+2, ColValue, err)
		}

		rd := Reading{
			TurbineID: t.get(row, ColTurbineID),
			SignalID:  t.get(row, ColSignalID),
			Timestamp: ts,
			Value:     v,
		}

		if attrs, ok := meta[rd.SignalID]; ok {
			rd.Attributes = attrs
		}

		out = append(out, rd)
	}

	return out, nil
}

func parseTargetTimes(t *table, withTarget bool) (FeatureTable, Labels, error) {
	skip := map[string]bool{ColTurbineID: true, ColCutoffTime: true, ColTarget: true}

	var labels Labels
	if withTarget {
		labels = make(Labels, 0, len(t.rows))
	}

	rows := make([]FeatureRow, 0, len(t.rows))
	for i, row := range t.rows {
		cutoff, err := ParseTime(t.get(row, ColCutoffTime))
		if err != nil {
			return FeatureTable{}, nil, fmt.Errorf("%s line %d column %s: %w", t.name, i+2, ColCutoffTime, err)
		}

		fr := FeatureRow{TurbineID: t.get(row, ColTurbineID), CutoffTime: cutoff}

		for _, col := range t.header {
			if skip[col] {
				continue
			}

			raw := t.get(row, col)
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				if fr.Covariates == nil {
					fr.Covariates = map[string]float64{}
				}

				fr.Covariates[col] = v
			}
		}

		if withTarget {
			y, err := ParseLabel(t.get(row, ColTarget))
			if err != nil {
				return FeatureTable{}, nil, fmt.Errorf("%s line %d column %s: %w", t.name, i+2, ColTarget, err)
			}

			labels = append(labels, y)
		}

		rows = append(rows, fr)
	}

	return FeatureTable{Rows: rows}, labels, nil
}

// inferenceTargets builds one row per turbine, cut off just after its latest
// reading.
func inferenceTargets(readings Readings) FeatureTable {
	latest := map[string]time.Time{}
	order := []string{}

	for _, rd := range readings {
		cur, ok := latest[rd.TurbineID]
		if !ok {
			order = append(order, rd.TurbineID)
		}

		if !ok || rd.Timestamp.After(cur) {
			latest[rd.TurbineID] = rd.Timestamp
		}
	}

	rows := make([]FeatureRow, 0, len(order))
	for _, id := range order {
		rows = append(rows, FeatureRow{TurbineID: id, CutoffTime: latest[id].Add(inferenceCutoffLag)})
	}

	return FeatureTable{Rows: rows}
}

// joinTurbines left-joins turbine metadata onto the feature rows. Numeric
// columns become covariates, the rest attributes.
func joinTurbines(ft *FeatureTable, t *table) {
	type meta struct {
		num map[string]float64
		str map[string]string
	}

	byID := map[string]meta{}
	for _, row := range t.rows {
		m := meta{num: map[string]float64{}, str: map[string]string{}}

		for _, col := range t.header {
			if col == ColTurbineID {
				continue
			}

			raw := t.get(row, col)
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				m.num[col] = v
			} else {
				m.str[col] = raw
			}
		}

		byID[t.get(row, ColTurbineID)] = m
	}

	for i := range ft.Rows {
		m, ok := byID[ft.Rows[i].TurbineID]
		if !ok {
			continue
		}

		row := &ft.Rows[i]
		if len(m.num) > 0 {
			cov := make(map[string]float64, len(row.Covariates)+len(m.num))
			for k, v := range row.Covariates {
				cov[k] = v
			}

			for k, v := range m.num {
				if _, exists := cov[k]; !exists {
					cov[k] = v
				}
			}

			row.Covariates = cov
		}

		if len(m.str) > 0 {
			row.Attributes = m.str
		}
	}
}

func metadata(t *table, key string) map[string]map[string]string {
	out := map[string]map[string]string{}
	if t == nil {
		return out
	}

	for _, row := range t.rows {
		attrs := map[string]string{}

		for _, col := range t.header {
			if col == key {
				continue
			}

			attrs[col] = t.get(row, col)
		}

		out[t.get(row, key)] = attrs
	}

	return out
}

// ParseTime accepts the timestamp layouts found in GreenGuard exports.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParseLabel parses a numeric or boolean target.
func ParseLabel(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("label %q is not numeric", s)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("label %q is not finite", s)
	}

	return v, nil
}
