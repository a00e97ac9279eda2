package blocks

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/constraints"

	"github.com/thalesfsp/greenguard/errdefs"
)

//////
// Const, vars, types.
//////

// Kind is the declared type of a hyperparameter.
type Kind string

// Supported hyperparameter kinds.
const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindString Kind = "str"
)

// Range is an inclusive numeric interval.
//
// Min must be less than or equal to Max.
type Range[T constraints.Integer | constraints.Float] struct {
	Min T
	Max T
}

// Contains reports whether v lies within the range.
func (r Range[T]) Contains(v T) bool {
	return v >= r.Min && v <= r.Max
}

// Normalize maps v onto [0, 1]. A degenerate range maps to 0.
func (r Range[T]) Normalize(v T) float64 {
	if r.Max == r.Min {
		return 0
	}

	return (float64(v) - float64(r.Min)) / (float64(r.Max) - float64(r.Min))
}

// Denormalize maps u in [0, 1] back into the range. Integer ranges round to
// the nearest value.
func (r Range[T]) Denormalize(u float64) T {
	u = math.Max(0, math.Min(1, u))
	v := float64(r.Min) + u*(float64(r.Max)-float64(r.Min))

	var zero T
	switch any(zero).(type) {
	case float32, float64:
		return T(v)
	default:
		return T(math.Round(v))
	}
}

// Spec declares the space of one hyperparameter.
//
// Numeric kinds use Range as [min, max]; KindString uses Values. KindBool
// needs neither.
type Spec struct {
	Type    Kind      `json:"type" yaml:"type"`
	Range   []float64 `json:"range,omitempty" yaml:"range,omitempty"`
	Values  []string  `json:"values,omitempty" yaml:"values,omitempty"`
	Default any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// Space maps flat hyperparameter names ("<block>.<param>") to their spec.
type Space map[string]Spec

// Assignment maps flat hyperparameter names to concrete values. Values are
// int, float64, bool or string.
type Assignment map[string]any

//////
// Assignment.
//////

// Clone returns a shallow copy. Values are immutable scalars.
func (a Assignment) Clone() Assignment {
	if a == nil {
		return nil
	}

	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}

	return out
}

// Merge returns a copy of a overlaid with b.
func (a Assignment) Merge(b Assignment) Assignment {
	out := make(Assignment, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}

	for k, v := range b {
		out[k] = v
	}

	return out
}

// Equal reports whether both assignments hold the same names and values.
func (a Assignment) Equal(b Assignment) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		w, ok := b[k]
		if !ok || v != w {
			return false
		}
	}

	return true
}

//////
// Spec.
//////

func (s Spec) intRange() Range[int] {
	return Range[int]{Min: int(s.Range[0]), Max: int(s.Range[1])}
}

func (s Spec) floatRange() Range[float64] {
	return Range[float64]{Min: s.Range[0], Max: s.Range[1]}
}

// check validates the spec itself.
func (s Spec) check(name string) error {
	switch s.Type {
	case KindInt, KindFloat:
		if len(s.Range) != 2 || s.Range[0] > s.Range[1] {
			return fmt.Errorf("hyperparameter %s: range must be [min, max]", name)
		}
	case KindString:
		if len(s.Values) == 0 {
			return fmt.Errorf("hyperparameter %s: values must not be empty", name)
		}
	case KindBool:
	default:
		return fmt.Errorf("hyperparameter %s: unknown type %q", name, s.Type)
	}

	if s.Default != nil {
		if _, err := s.Coerce(name, s.Default); err != nil {
			return err
		}
	}

	return nil
}

// Coerce validates v against the spec and converts it to the canonical Go
// type of the kind. Integral floats are accepted for KindInt since JSON
// decodes every number as float64.
func (s Spec) Coerce(name string, v any) (any, error) {
	invalid := func(reason string) error {
		return &errdefs.InvalidHyperparameterError{Name: name, Value: v, Reason: reason}
	}

	switch s.Type {
	case KindInt:
		var i int

		switch x := v.(type) {
		case int:
			i = x
		case int64:
			i = int(x)
		case float64:
			if x != math.Trunc(x) {
				return nil, invalid("not an integer")
			}

			i = int(x)
		default:
			return nil, invalid("expected int")
		}

		if r := s.intRange(); !r.Contains(i) {
			return nil, invalid(fmt.Sprintf("outside [%d, %d]", r.Min, r.Max))
		}

		return i, nil

	case KindFloat:
		var f float64

		switch x := v.(type) {
		case float64:
			f = x
		case int:
			f = float64(x)
		case int64:
			f = float64(x)
		default:
			return nil, invalid("expected float")
		}

		if r := s.floatRange(); math.IsNaN(f) || !r.Contains(f) {
			return nil, invalid(fmt.Sprintf("outside [%g, %g]", r.Min, r.Max))
		}

		return f, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid("expected bool")
		}

		return b, nil

	case KindString:
		str, ok := v.(string)
		if !ok {
			return nil, invalid("expected string")
		}

		for _, allowed := range s.Values {
			if allowed == str {
				return str, nil
			}
		}

		return nil, invalid(fmt.Sprintf("not one of %v", s.Values))
	}

	return nil, invalid(fmt.Sprintf("unknown type %q", s.Type))
}

// Pinned reports whether the spec admits a single value: a numeric range
// whose bounds are equal, or one string value.
func (s Spec) Pinned() bool {
	switch s.Type {
	case KindInt, KindFloat:
		return len(s.Range) == 2 && s.Range[0] == s.Range[1]
	case KindString:
		return len(s.Values) == 1
	}

	return false
}

// DefaultValue returns the declared default, or the first point of the space.
func (s Spec) DefaultValue() any {
	if s.Default != nil {
		if v, err := s.Coerce("", s.Default); err == nil {
			return v
		}
	}

	switch s.Type {
	case KindInt:
		return s.intRange().Min
	case KindFloat:
		return s.floatRange().Min
	case KindBool:
		return false
	default:
		return s.Values[0]
	}
}

// Encode maps a valid value onto [0, 1].
func (s Spec) Encode(v any) float64 {
	switch s.Type {
	case KindInt:
		return s.intRange().Normalize(v.(int))
	case KindFloat:
		return s.floatRange().Normalize(v.(float64))
	case KindBool:
		if v.(bool) {
			return 1
		}

		return 0
	default:
		if len(s.Values) < 2 {
			return 0
		}

		for i, allowed := range s.Values {
			if allowed == v.(string) {
				return float64(i) / float64(len(s.Values)-1)
			}
		}

		return 0
	}
}

// Decode maps u in [0, 1] to a value of the space.
func (s Spec) Decode(u float64) any {
	switch s.Type {
	case KindInt:
		return s.intRange().Denormalize(u)
	case KindFloat:
		return s.floatRange().Denormalize(u)
	case KindBool:
		return u >= 0.5
	default:
		n := len(s.Values)
		i := int(math.Round(math.Max(0, math.Min(1, u)) * float64(n-1)))

		return s.Values[i]
	}
}

//////
// Space.
//////

// Names returns the hyperparameter names in sorted order.
func (s Space) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}

// Defaults returns the default assignment of the space.
func (s Space) Defaults() Assignment {
	out := make(Assignment, len(s))
	for name, spec := range s {
		out[name] = spec.DefaultValue()
	}

	return out
}

// Validate checks every entry of a against the space and returns a coerced
// copy. Names the space does not declare are rejected.
func (s Space) Validate(a Assignment) (Assignment, error) {
	out := make(Assignment, len(a))

	for _, name := range sortedKeys(a) {
		spec, ok := s[name]
		if !ok {
			return nil, &errdefs.InvalidHyperparameterError{Name: name, Value: a[name], Reason: "not a tunable hyperparameter"}
		}

		v, err := spec.Coerce(name, a[name])
		if err != nil {
			return nil, err
		}

		out[name] = v
	}

	return out, nil
}

// Encode maps a complete assignment onto the unit hypercube, one coordinate
// per name in Names order.
func (s Space) Encode(a Assignment) []float64 {
	names := s.Names()

	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = s[name].Encode(a[name])
	}

	return out
}

// Decode is the inverse of Encode.
func (s Space) Decode(u []float64) Assignment {
	names := s.Names()

	out := make(Assignment, len(names))
	for i, name := range names {
		out[name] = s[name].Decode(u[i])
	}

	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
