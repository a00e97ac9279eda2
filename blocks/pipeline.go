package blocks

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/thalesfsp/greenguard/data"
	"github.com/thalesfsp/greenguard/errdefs"
)

// Model is the pipeline capability the tuning loop drives.
type Model interface {
	Hyperparameters() Assignment
	SetHyperparameters(a Assignment) error
	Fit(X data.FeatureTable, y data.Labels, readings data.Readings) error
	Predict(X data.FeatureTable, readings data.Readings) ([]float64, error)
	Fitted() bool
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(raw []byte) error
}

// Executor resolves templates and builds pipelines out of the registered
// primitives.
type Executor struct{}

// NewExecutor returns the primitive-block executor.
func NewExecutor() *Executor { return &Executor{} }

// Resolve loads a template by bundled name or by file path.
func (e *Executor) Resolve(nameOrPath string) (*Template, error) {
	return Resolve(nameOrPath)
}

// Build returns an unfitted pipeline whose assignment is the template
// defaults overlaid with a.
func (e *Executor) Build(t *Template, a Assignment) (Model, error) {
	return NewPipeline(t, a)
}

// Stage returns the unfitted steps [start, stop) of t.
func (e *Executor) Stage(t *Template, a Assignment, start, stop int) (*Stage, error) {
	return NewStage(t, a, start, stop)
}

// Pipeline is a template bound to one assignment and, once fitted, to the
// fitted state of its blocks.
type Pipeline struct {
	template        *Template
	hyperparameters Assignment
	blocks          []Block
}

// NewPipeline binds t to its defaults overlaid with a.
func NewPipeline(t *Template, a Assignment) (*Pipeline, error) {
	p := &Pipeline{template: t, hyperparameters: t.space.Defaults()}

	if err := p.SetHyperparameters(a); err != nil {
		return nil, err
	}

	return p, nil
}

// Template returns the template the pipeline was built from.
func (p *Pipeline) Template() *Template { return p.template }

// Hyperparameters returns a copy of the current assignment.
func (p *Pipeline) Hyperparameters() Assignment {
	return p.hyperparameters.Clone()
}

// SetHyperparameters validates a and merges it over the current assignment.
// Fitted state is discarded when any value changes.
func (p *Pipeline) SetHyperparameters(a Assignment) error {
	valid, err := p.template.space.Validate(a)
	if err != nil {
		return err
	}

	next := p.hyperparameters.Merge(valid)
	if !next.Equal(p.hyperparameters) {
		p.blocks = nil
	}

	p.hyperparameters = next

	return nil
}

// Fitted reports whether a fit has succeeded since the last change.
func (p *Pipeline) Fitted() bool { return p.blocks != nil }

func (p *Pipeline) newBlocks() ([]Block, error) {
	return p.template.newBlocks(p.hyperparameters, 0, len(p.template.blocks))
}

// Fit trains fresh blocks on the data. The previous fitted state is kept
// unless every block fits.
func (p *Pipeline) Fit(X data.FeatureTable, y data.Labels, readings data.Readings) error {
	if len(y) != X.Len() {
		return &errdefs.FitError{Err: fmt.Errorf("%d labels for %d rows", len(y), X.Len())}
	}

	blocks, err := p.newBlocks()
	if err != nil {
		return &errdefs.FitError{Err: err}
	}

	if err := p.template.fitSteps(blocks, 0, &Frame{X: X, Readings: readings, Y: y}); err != nil {
		return err
	}

	p.blocks = blocks

	return nil
}

// Predict runs every fitted block over X.
func (p *Pipeline) Predict(X data.FeatureTable, readings data.Readings) ([]float64, error) {
	if p.blocks == nil {
		return nil, errdefs.ErrNotFitted
	}

	f := &Frame{X: X, Readings: readings}
	if err := p.template.produceSteps(p.blocks, 0, f); err != nil {
		return nil, err
	}

	return f.Predictions, nil
}

// fittedState is the gob envelope of the fitted blocks.
type fittedState struct {
	Blocks [][]byte
}

// MarshalBinary encodes the fitted state of every block. An unfitted
// pipeline encodes to nil.
func (p *Pipeline) MarshalBinary() ([]byte, error) {
	if p.blocks == nil {
		return nil, nil
	}

	state := fittedState{Blocks: make([][]byte, len(p.blocks))}
	for i, b := range p.blocks {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(b); err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.template.blocks[i], err)
		}

		state.Blocks[i] = buf.Bytes()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary restores fitted state produced by MarshalBinary for the
// same template and assignment. Empty input leaves the pipeline unfitted.
func (p *Pipeline) UnmarshalBinary(raw []byte) error {
	if len(raw) == 0 {
		p.blocks = nil

		return nil
	}

	var state fittedState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return fmt.Errorf("decode fitted state: %w", err)
	}

	if len(state.Blocks) != len(p.template.blocks) {
		return fmt.Errorf("fitted state has %d blocks, template has %d", len(state.Blocks), len(p.template.blocks))
	}

	blocks, err := p.newBlocks()
	if err != nil {
		return err
	}

	for i, b := range blocks {
		if err := gob.NewDecoder(bytes.NewReader(state.Blocks[i])).Decode(b); err != nil {
			return fmt.Errorf("decode %s: %w", p.template.blocks[i], err)
		}
	}

	p.blocks = blocks

	return nil
}

//////
// Stages.
//////

// Stage is a run of consecutive steps of a template, fitted as a unit. A
// stage that does not end with the estimator leaves its output in the
// frame's Matrix; one that does leaves it in Predictions.
type Stage struct {
	template    *Template
	start, stop int
	blocks      []Block
	fitted      bool
}

// NewStage builds the unfitted steps [start, stop) of t, parameterised by
// the template defaults overlaid with a.
//
// Parameters:
// - t: Resolved template
// - a: Partial or complete assignment of t's space
// - start, stop: Step range, 0 <= start <= stop <= number of steps
//
// Returns:
// - The stage, or an InvalidHyperparameterError for a bad assignment.
func NewStage(t *Template, a Assignment, start, stop int) (*Stage, error) {
	if start < 0 || stop > len(t.blocks) || start > stop {
		return nil, fmt.Errorf("template %s has no steps [%d, %d)", t.Name, start, stop)
	}

	valid, err := t.space.Validate(a)
	if err != nil {
		return nil, err
	}

	blocks, err := t.newBlocks(t.space.Defaults().Merge(valid), start, stop)
	if err != nil {
		return nil, err
	}

	return &Stage{template: t, start: start, stop: stop, blocks: blocks}, nil
}

// Steps returns the block names of the stage.
func (s *Stage) Steps() []string {
	return append([]string(nil), s.template.blocks[s.start:s.stop]...)
}

// Fit fits the steps in order over f, producing through each one but the
// template's estimator. Failures are FitErrors naming the step.
func (s *Stage) Fit(f *Frame) error {
	if err := s.template.fitSteps(s.blocks, s.start, f); err != nil {
		return err
	}

	s.fitted = true

	return nil
}

// Produce runs the fitted steps over f.
func (s *Stage) Produce(f *Frame) error {
	if !s.fitted {
		return errdefs.ErrNotFitted
	}

	return s.template.produceSteps(s.blocks, s.start, f)
}
