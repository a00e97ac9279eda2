// Package errdefs holds the error taxonomy shared by the loader, the pipeline
// executor, the tuning loop and the persistence layer.
//
// Every error is a concrete type (or a sentinel) so callers can branch with
// errors.As / errors.Is regardless of how much context was wrapped around it.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrNotFitted is returned by Predict when no fit has succeeded yet.
var ErrNotFitted = errors.New("pipeline is not fitted")

// ErrMetricUnavailable is returned when scoring is asked of a pipeline
// loaded without the custom metric it was saved with.
var ErrMetricUnavailable = errors.New("metric unavailable")

// MissingColumnError reports a required column absent from an input table.
type MissingColumnError struct {
	Table  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("table %q is missing required column %q", e.Table, e.Column)
}

// TemplateNotFoundError reports a template (or one of its primitives) that
// could not be resolved by name or path.
type TemplateNotFoundError struct {
	Name   string
	Reason string
}

func (e *TemplateNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("template %q not found", e.Name)
	}

	return fmt.Sprintf("template %q not found: %s", e.Name, e.Reason)
}

// InvalidHyperparameterError reports a value outside its declared space, or
// a name the space does not declare.
type InvalidHyperparameterError struct {
	Name   string
	Value  any
	Reason string
}

func (e *InvalidHyperparameterError) Error() string {
	return fmt.Sprintf("invalid hyperparameter %s=%v: %s", e.Name, e.Value, e.Reason)
}

// FitError wraps a failure raised by one pipeline step while fitting.
type FitError struct {
	Step string
	Err  error
}

func (e *FitError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("fit failed: %v", e.Err)
	}

	return fmt.Sprintf("fit failed at step %s: %v", e.Step, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

// CorruptStateError reports a persisted blob that cannot be turned back into
// a pipeline.
type CorruptStateError struct {
	Reason string
	Err    error
}

func (e *CorruptStateError) Error() string {
	if e.Err == nil {
		return "corrupt state: " + e.Reason
	}

	return fmt.Sprintf("corrupt state: %s: %v", e.Reason, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// VersionMismatchError reports an unsupported blob format version.
type VersionMismatchError struct {
	Got  int
	Want int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("unsupported state format version %d (want %d)", e.Got, e.Want)
}

// IOError wraps a filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsFitError reports whether err carries a *FitError anywhere in its chain.
func IsFitError(err error) bool {
	var fe *FitError

	return errors.As(err, &fe)
}
