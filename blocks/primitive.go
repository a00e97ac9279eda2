package blocks

import (
	"fmt"
	"strings"

	"github.com/thalesfsp/greenguard/data"
)

// Frame is the data flowing through a pipeline. Each block reads what it
// needs and replaces Matrix (transformers) or sets Predictions (estimators).
type Frame struct {
	X        data.FeatureTable
	Readings data.Readings
	Y        data.Labels

	Matrix  [][]float64
	Columns []string

	Predictions []float64
}

// Subset returns the frame restricted to rows, in that order. Readings are
// shared; every other column is cut to the rows.
func (f *Frame) Subset(rows []int) *Frame {
	out := &Frame{
		X:        f.X.Subset(rows),
		Readings: f.Readings,
		Y:        f.Y.Subset(rows),
		Columns:  f.Columns,
	}

	if f.Matrix != nil {
		out.Matrix = make([][]float64, len(rows))
		for i, r := range rows {
			out.Matrix[i] = f.Matrix[r]
		}
	}

	if f.Predictions != nil {
		out.Predictions = make([]float64, len(rows))
		for i, r := range rows {
			out.Predictions[i] = f.Predictions[r]
		}
	}

	return out
}

// Clone returns a copy of the frame that blocks can run over without
// touching f. Blocks replace Matrix and Predictions instead of writing into
// them, so the slices themselves are shared.
func (f *Frame) Clone() *Frame {
	cp := *f

	return &cp
}

// Block is one fitted-or-unfitted step of a pipeline.
//
// Produce must not modify the block. Implementations are gob encoded, so
// fitted state lives in exported fields.
type Block interface {
	Fit(f *Frame) error
	Produce(f *Frame) error
}

// Params holds the resolved parameters handed to a primitive constructor,
// keyed by bare parameter name.
type Params map[string]any

func (p Params) int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}

	return 0
}

func (p Params) float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}

	return 0
}

func (p Params) bool(name string) bool {
	b, _ := p[name].(bool)

	return b
}

func (p Params) string(name string) string {
	s, _ := p[name].(string)

	return s
}

// Primitive describes a block type: its hyperparameters and constructor.
type Primitive struct {
	Name string

	// Tunable lists the hyperparameters exposed to the tuner.
	Tunable map[string]Spec

	// Fixed lists non-tunable parameters and their defaults. Template
	// init_params may override them.
	Fixed Params

	// Estimator marks the block that produces predictions. A template must
	// end with exactly one.
	Estimator bool

	New func(p Params) Block
}

var primitives = map[string]Primitive{}

func register(p Primitive) {
	if _, dup := primitives[p.Name]; dup {
		panic("blocks: duplicate primitive " + p.Name)
	}

	for name, spec := range p.Tunable {
		if err := spec.check(p.Name + "." + name); err != nil {
			panic("blocks: " + err.Error())
		}
	}

	primitives[p.Name] = p
}

// Primitives returns the registered primitive names, sorted.
func Primitives() []string {
	return sortedKeys(primitives)
}

// LookupPrimitive returns a registered primitive.
func LookupPrimitive(name string) (Primitive, bool) {
	p, ok := primitives[name]

	return p, ok
}

// splitName splits "block.param" at the last dot that follows the block's
// "#n" suffix.
func splitName(flat string) (block, param string, err error) {
	hash := strings.LastIndex(flat, "#")
	if hash < 0 {
		return "", "", fmt.Errorf("hyperparameter %q lacks a block prefix", flat)
	}

	dot := strings.Index(flat[hash:], ".")
	if dot < 0 {
		return "", "", fmt.Errorf("hyperparameter %q lacks a parameter name", flat)
	}

	return flat[:hash+dot], flat[hash+dot+1:], nil
}

// blockNames numbers repeated primitives the way templates address them:
// "name#1", "name#2", ...
func blockNames(prims []string) []string {
	counts := map[string]int{}

	out := make([]string, len(prims))
	for i, p := range prims {
		counts[p]++
		out[i] = fmt.Sprintf("%s#%d", p, counts[p])
	}

	return out
}
