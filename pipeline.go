package greenguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thalesfsp/greenguard/blocks"
	"github.com/thalesfsp/greenguard/data"
	"github.com/thalesfsp/greenguard/errdefs"
)

// Config controls a Pipeline.
type Config struct {
	// Metric names a built-in metric. Ignored when MetricFunc is set.
	Metric string

	// MetricFunc is a custom metric; Cost gives its direction and Metric
	// its name.
	MetricFunc MetricFunc
	Cost       bool

	// InitParams is merged over the template's init params, keyed by block
	// name ("prim#1" or bare "prim").
	InitParams map[string]map[string]any

	// CV configures the folds of new tuning sessions. Resumed sessions keep
	// the configuration they were started with.
	CV FoldConfig

	// Preprocessing is how many leading static steps new sessions fit once
	// on every row, before the folds are cut. The remaining static steps are
	// fitted once per fold. It must not exceed the static steps of any
	// template.
	Preprocessing int

	Executor     Executor
	TunerFactory TunerFactory

	Logger zerolog.Logger

	// Recorder, if set, receives every evaluated assignment.
	Recorder TrialRecorder

	// ProgressChan, if set, receives progress updates. Sends never block;
	// updates are dropped while the channel is full.
	ProgressChan chan<- ProgressUpdate

	// Workers bounds the folds evaluated concurrently.
	Workers int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Metric: "accuracy",
		CV: FoldConfig{
			Splits:   5,
			Stratify: true,
			Shuffle:  true,
		},
		Executor:     blocks.NewExecutor(),
		TunerFactory: NewGPTuner(DefaultTunerConfig()),
		Logger:       zerolog.Nop(),
		Workers:      1,
	}
}

// Pipeline is a template, its current hyperparameters and, once fitted, its
// trained state. A pipeline built from several templates tunes them all and
// makes the best scoring one current. It is not safe for concurrent use.
type Pipeline struct {
	cfg       Config
	metric    Metric
	name      string
	templates []*blocks.Template
	template  *blocks.Template
	model     blocks.Model
	session   *SessionState
}

// New resolves template (a bundled name or a JSON/YAML path) and builds an
// unfitted pipeline with default hyperparameters.
func New(template string, cfg Config) (*Pipeline, error) {
	return NewWithTemplates([]string{template}, cfg)
}

// NewWithTemplates resolves several candidate templates and builds an
// unfitted pipeline on the first one, with default hyperparameters.
//
// Parameters:
// - templates: Bundled names or JSON/YAML paths, at least one. Resolved
// names must be unique
// - cfg: Pipeline configuration
//
// Returns:
// - The pipeline, or a TemplateNotFoundError when a template cannot be
// resolved.
//
// Tune proposes assignments for every candidate, each with its own tuner,
// and switches the pipeline to the template of the best score.
func NewWithTemplates(templates []string, cfg Config) (*Pipeline, error) {
	if len(templates) == 0 {
		return nil, errors.New("at least one template is required")
	}

	cfg, metric, name, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	resolved := make([]*blocks.Template, 0, len(templates))
	seen := map[string]bool{}

	for _, source := range templates {
		t, err := cfg.Executor.Resolve(source)
		if err != nil {
			return nil, err
		}

		t, err = t.WithInitParams(cfg.InitParams)
		if err != nil {
			return nil, err
		}

		if seen[t.Name] {
			return nil, fmt.Errorf("template %q given twice", t.Name)
		}

		seen[t.Name] = true
		resolved = append(resolved, t)
	}

	if err := checkPreprocessing(cfg.Preprocessing, resolved); err != nil {
		return nil, err
	}

	model, err := cfg.Executor.Build(resolved[0], nil)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:       cfg,
		metric:    metric,
		name:      name,
		templates: resolved,
		template:  resolved[0],
		model:     model,
	}, nil
}

// checkPreprocessing rejects a preprocessing count some template cannot
// honour.
func checkPreprocessing(n int, templates []*blocks.Template) error {
	if n < 0 {
		return fmt.Errorf("preprocessing must not be negative, got %d", n)
	}

	for _, t := range templates {
		if static := t.StaticSteps(); n > static {
			return fmt.Errorf("preprocessing %d exceeds the %d static steps of template %s", n, static, t.Name)
		}
	}

	return nil
}

// normalize fills defaults and resolves the metric.
func (c Config) normalize() (Config, Metric, string, error) {
	def := DefaultConfig()

	if c.Executor == nil {
		c.Executor = def.Executor
	}

	if c.TunerFactory == nil {
		c.TunerFactory = def.TunerFactory
	}

	if c.Workers < 1 {
		c.Workers = 1
	}

	if c.MetricFunc != nil {
		name := c.Metric
		if name == "" {
			name = "custom"
		}

		return c, Metric{Func: c.MetricFunc, Cost: c.Cost}, name, nil
	}

	if c.Metric == "" {
		c.Metric = def.Metric
	}

	metric, err := LookupMetric(c.Metric)
	if err != nil {
		return c, Metric{}, "", err
	}

	return c, metric, c.Metric, nil
}

// Template returns the current template.
func (p *Pipeline) Template() *blocks.Template { return p.template }

// Templates returns the names of the candidate templates, in the order they
// were given.
func (p *Pipeline) Templates() []string {
	names := make([]string, len(p.templates))
	for i, t := range p.templates {
		names[i] = t.Name
	}

	return names
}

// lookup returns the candidate template called name.
func (p *Pipeline) lookup(name string) (*blocks.Template, bool) {
	for _, t := range p.templates {
		if t.Name == name {
			return t, true
		}
	}

	return nil, false
}

// scoring fails when the pipeline has no metric function, which happens to
// pipelines loaded without the custom metric they were saved with.
func (p *Pipeline) scoring() error {
	if p.metric.Func == nil {
		return fmt.Errorf("%w: %q is not built in; set Config.MetricFunc to score with it", errdefs.ErrMetricUnavailable, p.name)
	}

	return nil
}

// Metric returns the metric name and whether it is a cost.
func (p *Pipeline) Metric() (string, bool) { return p.name, p.metric.Cost }

// Hyperparameters returns a copy of the current assignment.
func (p *Pipeline) Hyperparameters() blocks.Assignment {
	return p.model.Hyperparameters()
}

// SetHyperparameters merges a over the current assignment. Changing any
// value discards the fitted state.
func (p *Pipeline) SetHyperparameters(a blocks.Assignment) error {
	return p.model.SetHyperparameters(a)
}

// Fit trains the pipeline on every row.
func (p *Pipeline) Fit(X data.FeatureTable, y data.Labels, readings data.Readings) error {
	if err := p.model.Fit(X, y, readings); err != nil {
		return err
	}

	p.cfg.Logger.Info().
		Str("template", p.template.Name).
		Int("rows", X.Len()).
		Msg("Pipeline fitted")

	return nil
}

// Predict runs the fitted pipeline. It returns errdefs.ErrNotFitted before
// the first successful Fit.
func (p *Pipeline) Predict(X data.FeatureTable, readings data.Readings) ([]float64, error) {
	return p.model.Predict(X, readings)
}

// Fitted reports whether Predict can be called.
func (p *Pipeline) Fitted() bool { return p.model.Fitted() }

// Session returns a copy of the last tuning session state, or nil.
func (p *Pipeline) Session() *SessionState { return p.session.Clone() }

// String names the current template, its fitted state, the session best and
// the stages of its steps: the preprocessing steps fitted once on every row,
// the other static steps fitted once per fold and the tunable steps fitted
// per assignment.
func (p *Pipeline) String() string {
	best := "untuned"
	if p.session != nil {
		best = fmt.Sprintf("best %s=%g after %d iterations", p.name, float64(p.session.BestScore), p.session.Iterations)
	}

	preprocessing := p.cfg.Preprocessing
	if p.session != nil {
		preprocessing = p.session.Preprocessing
	}

	steps, static := p.template.Blocks(), p.template.StaticSteps()
	preprocessing = min(preprocessing, static)

	var b strings.Builder

	fmt.Fprintf(&b, "Pipeline(%s, fitted=%t, %s)", p.template.Name, p.model.Fitted(), best)

	if len(p.templates) > 1 {
		fmt.Fprintf(&b, "\n  candidates: %s", strings.Join(p.Templates(), ", "))
	}

	fmt.Fprintf(&b, "\n  preprocessing: %s", stepList(steps[:preprocessing]))
	fmt.Fprintf(&b, "\n  static: %s", stepList(steps[preprocessing:static]))
	fmt.Fprintf(&b, "\n  tunable: %s", stepList(steps[static:]))

	return b.String()
}

func stepList(steps []string) string {
	if len(steps) == 0 {
		return "-"
	}

	return strings.Join(steps, ", ")
}
