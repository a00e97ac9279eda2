package greenguard

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/thalesfsp/greenguard/blocks"
)

// Score is a metric value whose JSON form survives ±Inf and NaN, which
// encoding/json rejects for plain floats.
type Score float64

// MarshalJSON implements json.Marshaler.
func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)

	switch {
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	}

	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Score) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("score %q: %w", text, err)
		}

		*s = Score(f)

		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("score %s: %w", raw, err)
	}

	*s = Score(f)

	return nil
}

// SessionState is the progress of one tuning session. It is owned by the
// caller, passed into Tune and returned from it, and persisted by Save.
type SessionState struct {
	// ID identifies the session in the trial history.
	ID string `json:"id"`

	// Template is the name of the template that scored BestScore.
	Template string `json:"template"`

	// Templates lists every candidate template of the session, in the order
	// they take turns. Empty means Template alone.
	Templates []string `json:"templates,omitempty"`

	Metric string `json:"metric"`

	// Cost is true when lower scores are better.
	Cost bool `json:"cost"`

	BestScore           Score             `json:"best_score"`
	BestHyperparameters blocks.Assignment `json:"best_hyperparameters"`

	// Iterations counts the proposals evaluated over every Tune call. The
	// seeding evaluation is not counted.
	Iterations int `json:"iterations"`

	Folds FoldConfig `json:"folds"`

	// Preprocessing is how many static steps are fitted on every row before
	// the folds are cut.
	Preprocessing int `json:"preprocessing,omitempty"`

	// TunerStates holds the opaque state of each template's tuner after the
	// last completed iteration, by template name.
	TunerStates map[string][]byte `json:"tuner_states,omitempty"`
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}

	cp := *s
	cp.BestHyperparameters = s.BestHyperparameters.Clone()
	cp.Templates = append([]string(nil), s.Templates...)

	if s.TunerStates != nil {
		cp.TunerStates = make(map[string][]byte, len(s.TunerStates))
		for name, state := range s.TunerStates {
			cp.TunerStates[name] = append([]byte(nil), state...)
		}
	}

	return &cp
}

// candidates returns the session's templates, Template alone when none are
// listed.
func (s *SessionState) candidates() []string {
	if len(s.Templates) == 0 {
		return []string{s.Template}
	}

	return s.Templates
}

func (s *SessionState) String() string {
	return fmt.Sprintf("session %s: template=%s metric=%s best=%g iterations=%d",
		s.ID, s.Template, s.Metric, float64(s.BestScore), s.Iterations)
}
