package blocks

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/greenguard/errdefs"
)

//go:embed templates/*.yaml
var bundled embed.FS

const bundledDir = "templates"

// Template is an ordered list of primitives plus their parameter overrides.
// It is immutable once resolved.
type Template struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Primitives  []string `json:"primitives" yaml:"primitives"`

	// InitParams overrides parameters per block, keyed by block name
	// ("prim#1", or bare "prim" meaning "prim#1").
	InitParams map[string]map[string]any `json:"init_params,omitempty" yaml:"init_params,omitempty"`

	// Hyperparameters overrides tunable specs per block.
	Hyperparameters map[string]map[string]Spec `json:"hyperparameters,omitempty" yaml:"hyperparameters,omitempty"`

	// Source is the name or path the template was resolved from.
	Source string `json:"-" yaml:"-"`

	blocks []string
	space  Space
	fixed  map[string]Params
}

// Blocks returns the numbered block names, in pipeline order.
func (t *Template) Blocks() []string {
	return append([]string(nil), t.blocks...)
}

// Space returns the tunable hyperparameter space.
func (t *Template) Space() Space {
	out := make(Space, len(t.space))
	for k, v := range t.space {
		out[k] = v
	}

	return out
}

// StaticSteps returns how many leading blocks have nothing to tune: every
// hyperparameter they declare is pinned to one value, so their output is the
// same under any assignment. The estimator is never counted.
func (t *Template) StaticSteps() int {
	for i, block := range t.blocks[:len(t.blocks)-1] {
		for flat, spec := range t.space {
			if strings.HasPrefix(flat, block+".") && !spec.Pinned() {
				return i
			}
		}
	}

	return len(t.blocks) - 1
}

// WithInitParams returns a copy of t with extra init params merged over its
// own, re-resolved.
func (t *Template) WithInitParams(extra map[string]map[string]any) (*Template, error) {
	if len(extra) == 0 {
		return t, nil
	}

	cp := *t
	cp.InitParams = map[string]map[string]any{}

	for _, src := range []map[string]map[string]any{t.InitParams, extra} {
		for block, params := range src {
			block = normalizeBlock(block)
			if cp.InitParams[block] == nil {
				cp.InitParams[block] = map[string]any{}
			}

			for k, v := range params {
				cp.InitParams[block][k] = v
			}
		}
	}

	if err := cp.resolve(); err != nil {
		return nil, err
	}

	return &cp, nil
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}

	return -1
}

func normalizeBlock(name string) string {
	if strings.Contains(name, "#") {
		return name
	}

	return name + "#1"
}

// resolve validates the primitive list and computes blocks, space and fixed
// params.
func (t *Template) resolve() error {
	notFound := func(reason string) error {
		return &errdefs.TemplateNotFoundError{Name: t.Name, Reason: reason}
	}

	if len(t.Primitives) == 0 {
		return notFound("no primitives")
	}

	t.blocks = blockNames(t.Primitives)
	t.space = Space{}
	t.fixed = map[string]Params{}

	for _, name := range t.Primitives {
		if _, ok := primitives[name]; !ok {
			return notFound("unknown primitive " + name)
		}
	}

	known := map[string]bool{}
	for _, b := range t.blocks {
		known[b] = true
	}

	init := map[string]map[string]any{}
	for block, params := range t.InitParams {
		init[normalizeBlock(block)] = params
	}

	overrides := map[string]map[string]Spec{}
	for block, specs := range t.Hyperparameters {
		overrides[normalizeBlock(block)] = specs
	}

	for block := range init {
		if !known[block] {
			return fmt.Errorf("template %s: init_params for unknown block %s", t.Name, block)
		}
	}

	for block, specs := range overrides {
		if !known[block] {
			return fmt.Errorf("template %s: hyperparameters for unknown block %s", t.Name, block)
		}

		for param := range specs {
			if _, ok := primitives[t.Primitives[indexOf(t.blocks, block)]].Tunable[param]; !ok {
				return fmt.Errorf("template %s: %s has no tunable %s", t.Name, block, param)
			}
		}
	}

	for i, name := range t.Primitives {
		prim := primitives[name]

		last := i == len(t.Primitives)-1
		if prim.Estimator != last {
			if last {
				return fmt.Errorf("template %s: last primitive %s is not an estimator", t.Name, name)
			}

			return fmt.Errorf("template %s: estimator %s must be the last primitive", t.Name, name)
		}

		block := t.blocks[i]
		fixed := Params{}

		for k, v := range prim.Fixed {
			fixed[k] = v
		}

		for param, spec := range prim.Tunable {
			if override, ok := overrides[block][param]; ok {
				spec = override
			}

			if v, ok := init[block][param]; ok {
				spec.Default = v
			}

			flat := block + "." + param
			if err := spec.check(flat); err != nil {
				return fmt.Errorf("template %s: %w", t.Name, err)
			}

			t.space[flat] = spec
		}

		for param, v := range init[block] {
			if _, tunable := prim.Tunable[param]; tunable {
				continue
			}

			if _, declared := prim.Fixed[param]; !declared {
				return fmt.Errorf("template %s: %s has no parameter %s", t.Name, block, param)
			}

			fixed[param] = v
		}

		t.fixed[block] = fixed
	}

	return nil
}

// newBlocks builds the unfitted blocks [start, stop) from a complete
// assignment.
func (t *Template) newBlocks(a Assignment, start, stop int) ([]Block, error) {
	params, err := t.params(a)
	if err != nil {
		return nil, err
	}

	out := make([]Block, 0, stop-start)
	for i := start; i < stop; i++ {
		out = append(out, primitives[t.Primitives[i]].New(params[t.blocks[i]]))
	}

	return out, nil
}

// fitSteps fits blocks, the steps of t from start on, over f. Every step but
// the template's last also produces, so f ends up holding what the next step
// reads.
func (t *Template) fitSteps(blocks []Block, start int, f *Frame) error {
	for i, b := range blocks {
		step := t.blocks[start+i]

		if err := b.Fit(f); err != nil {
			return &errdefs.FitError{Step: step, Err: err}
		}

		if start+i == len(t.blocks)-1 {
			break
		}

		if err := b.Produce(f); err != nil {
			return &errdefs.FitError{Step: step, Err: err}
		}
	}

	return nil
}

// produceSteps runs fitted blocks, the steps of t from start on, over f.
func (t *Template) produceSteps(blocks []Block, start int, f *Frame) error {
	for i, b := range blocks {
		if err := b.Produce(f); err != nil {
			return fmt.Errorf("produce %s: %w", t.blocks[start+i], err)
		}
	}

	return nil
}

// params builds the constructor parameters of every block from a complete
// tunable assignment.
func (t *Template) params(a Assignment) (map[string]Params, error) {
	out := make(map[string]Params, len(t.blocks))
	for _, block := range t.blocks {
		p := Params{}
		for k, v := range t.fixed[block] {
			p[k] = v
		}

		out[block] = p
	}

	for flat, v := range a {
		block, param, err := splitName(flat)
		if err != nil {
			return nil, err
		}

		p, ok := out[block]
		if !ok {
			return nil, fmt.Errorf("hyperparameter %s names unknown block %s", flat, block)
		}

		p[param] = v
	}

	return out, nil
}

//////
// Resolution.
//////

// Resolve loads a template by bundled name or by file path.
func Resolve(nameOrPath string) (*Template, error) {
	raw, ext, err := locate(nameOrPath)
	if err != nil {
		return nil, err
	}

	t, err := decode(raw, ext)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", nameOrPath, err)
	}

	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(nameOrPath), filepath.Ext(nameOrPath))
	}

	t.Source = nameOrPath

	if err := t.resolve(); err != nil {
		return nil, err
	}

	return t, nil
}

// FromDocument resolves a template from its decoded document, the form
// stored next to a saved pipeline. Init params and hyperparameter overrides
// are taken as they are in doc; source is recorded as the template's Source.
func FromDocument(doc *Template, source string) (*Template, error) {
	t := &Template{
		Name:            doc.Name,
		Description:     doc.Description,
		Primitives:      append([]string(nil), doc.Primitives...),
		InitParams:      doc.InitParams,
		Hyperparameters: doc.Hyperparameters,
		Source:          source,
	}

	if err := t.resolve(); err != nil {
		return nil, err
	}

	return t, nil
}

func locate(nameOrPath string) ([]byte, string, error) {
	if raw, err := bundled.ReadFile(path.Join(bundledDir, nameOrPath+".yaml")); err == nil {
		return raw, ".yaml", nil
	}

	ext := strings.ToLower(filepath.Ext(nameOrPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, "", &errdefs.TemplateNotFoundError{Name: nameOrPath}
	}

	raw, err := os.ReadFile(nameOrPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", &errdefs.TemplateNotFoundError{Name: nameOrPath, Reason: "no such file"}
		}

		return nil, "", &errdefs.IOError{Op: "read", Path: nameOrPath, Err: err}
	}

	return raw, ext, nil
}

func decode(raw []byte, ext string) (*Template, error) {
	var t Template

	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&t); err != nil {
			return nil, err
		}

		return &t, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	if err := dec.Decode(&t); err != nil {
		return nil, err
	}

	return &t, nil
}

// Templates lists the bundled template names containing pattern.
func Templates(pattern string) []string {
	entries, err := bundled.ReadDir(bundledDir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if strings.Contains(name, pattern) {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}
