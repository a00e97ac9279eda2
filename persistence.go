package greenguard

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/thalesfsp/greenguard/blocks"
	"github.com/thalesfsp/greenguard/errdefs"
)

// FormatVersion is the version of the blob written by Save.
const FormatVersion = 1

// envelope is the persisted form of a pipeline and its session.
type envelope struct {
	FormatVersion   int               `json:"format_version"`
	Template        templateRef       `json:"template"`
	Metric          string            `json:"metric"`
	Cost            bool              `json:"cost"`
	Hyperparameters blocks.Assignment `json:"hyperparameters"`
	Fitted          bool              `json:"fitted"`

	// Candidates lists every template of a multi-template pipeline, in
	// order, the current one included.
	Candidates []templateRef `json:"candidates,omitempty"`

	// ModelState is owned by the executor and never inspected here.
	ModelState []byte        `json:"model_state,omitempty"`
	Session    *SessionState `json:"session,omitempty"`
}

// templateRef identifies the template: the name or path it resolves from,
// the name it must resolve to, and the document as used, init params
// included.
type templateRef struct {
	Name     string           `json:"name"`
	Source   string           `json:"source"`
	Document *blocks.Template `json:"document"`
}

// Save writes the pipeline and state to path. A nil state saves the
// pipeline's own session, if any.
//
// The file is replaced atomically: on failure any previous file at path is
// left as it was.
func Save(path string, p *Pipeline, state *SessionState) error {
	if state == nil {
		state = p.session
	}

	modelState, err := p.model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	env := envelope{
		FormatVersion:   FormatVersion,
		Template:        refOf(p.template),
		Metric:          p.name,
		Cost:            p.metric.Cost,
		Hyperparameters: p.model.Hyperparameters(),
		Fitted:          p.model.Fitted(),
		ModelState:      modelState,
		Session:         state,
	}

	if len(p.templates) > 1 {
		for _, t := range p.templates {
			env.Candidates = append(env.Candidates, refOf(t))
		}
	}

	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return &errdefs.IOError{Op: "write", Path: path, Err: err}
	}

	p.cfg.Logger.Debug().Str("path", path).Bool("fitted", env.Fitted).Msg("Pipeline saved")

	return nil
}

// Load restores a pipeline and its session from a file written by Save.
//
// Parameters:
// - path: File written by Save
// - cfg: Executor, tuner, logger and the other runtime settings
//
// Returns:
// - The pipeline and a copy of its session, nil if none was saved
// - IOError if path cannot be read, VersionMismatchError for another format
// version, CorruptStateError if the blob does not decode or its templates,
// hyperparameters, model state or session do not fit together.
//
// The metric is the saved one unless cfg.MetricFunc is set. A custom metric
// is not saved: without cfg.MetricFunc the pipeline still fits and predicts,
// but Tune and CrossValidate fail with errdefs.ErrMetricUnavailable.
// cfg.InitParams is ignored in favour of the saved template documents.
func Load(path string, cfg Config) (*Pipeline, *SessionState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &errdefs.IOError{Op: "read", Path: path, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &errdefs.CorruptStateError{Reason: "decode", Err: err}
	}

	if env.FormatVersion != FormatVersion {
		return nil, nil, &errdefs.VersionMismatchError{Got: env.FormatVersion, Want: FormatVersion}
	}

	if cfg.MetricFunc == nil {
		cfg.Metric = env.Metric
	}

	cfg, metric, name, err := cfg.normalize()
	if err != nil {
		metric, name = Metric{Cost: env.Cost}, env.Metric

		cfg.Logger.Warn().
			Str("metric", env.Metric).
			Msg("Saved metric is not built in; tuning needs Config.MetricFunc")
	}

	t, err := restoreTemplate(cfg.Executor, env.Template)
	if err != nil {
		return nil, nil, err
	}

	templates, err := restoreCandidates(cfg.Executor, t, env.Candidates)
	if err != nil {
		return nil, nil, err
	}

	if err := checkPreprocessing(cfg.Preprocessing, templates); err != nil {
		return nil, nil, err
	}

	model, err := cfg.Executor.Build(t, env.Hyperparameters)
	if err != nil {
		return nil, nil, &errdefs.CorruptStateError{Reason: "hyperparameters", Err: err}
	}

	if env.Fitted {
		if err := model.UnmarshalBinary(env.ModelState); err != nil {
			return nil, nil, &errdefs.CorruptStateError{Reason: "model state", Err: err}
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		metric:    metric,
		name:      name,
		templates: templates,
		template:  t,
		model:     model,
	}

	if env.Session != nil {
		winner, ok := p.lookup(env.Session.Template)
		if !ok {
			return nil, nil, &errdefs.CorruptStateError{
				Reason: fmt.Sprintf("session belongs to template %q, blob holds %v", env.Session.Template, p.Templates()),
			}
		}

		best, err := winner.Space().Validate(env.Session.BestHyperparameters)
		if err != nil {
			return nil, nil, &errdefs.CorruptStateError{Reason: "session hyperparameters", Err: err}
		}

		env.Session.BestHyperparameters = best
		p.session = env.Session
	}

	cfg.Logger.Debug().Str("path", path).Str("template", t.Name).Msg("Pipeline loaded")

	return p, p.session.Clone(), nil
}

// refOf is the saved reference of t.
func refOf(t *blocks.Template) templateRef {
	return templateRef{Name: t.Name, Source: t.Source, Document: t}
}

// restoreTemplate checks the saved template still resolves to the name it
// was saved under, then rebuilds it from the saved document, which wins over
// any later edit of the source.
func restoreTemplate(exec Executor, ref templateRef) (*blocks.Template, error) {
	if ref.Source == "" {
		ref.Source = ref.Name
	}

	t, err := exec.Resolve(ref.Source)
	if err != nil {
		return nil, &errdefs.CorruptStateError{Reason: fmt.Sprintf("template %q", ref.Name), Err: err}
	}

	if t.Name != ref.Name {
		return nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("template %q resolves to %q", ref.Source, t.Name),
		}
	}

	if ref.Document == nil {
		return t, nil
	}

	if ref.Document.Name != ref.Name {
		return nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("template %q holds the document of %q", ref.Name, ref.Document.Name),
		}
	}

	doc, err := blocks.FromDocument(ref.Document, t.Source)
	if err != nil {
		return nil, &errdefs.CorruptStateError{Reason: "template document", Err: err}
	}

	return doc, nil
}

// restoreCandidates rebuilds the candidate list around the restored current
// template.
func restoreCandidates(exec Executor, current *blocks.Template, refs []templateRef) ([]*blocks.Template, error) {
	if len(refs) == 0 {
		return []*blocks.Template{current}, nil
	}

	out := make([]*blocks.Template, 0, len(refs))
	found := false

	for _, ref := range refs {
		if ref.Name == current.Name {
			out, found = append(out, current), true

			continue
		}

		t, err := restoreTemplate(exec, ref)
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	if !found {
		return nil, &errdefs.CorruptStateError{
			Reason: fmt.Sprintf("current template %q is not a candidate", current.Name),
		}
	}

	return out, nil
}
