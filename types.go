package greenguard

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/thalesfsp/greenguard/blocks"
)

//////
// Progress.
//////

// Tuning phases reported through ProgressUpdate.
const (
	PhaseSeed   = "seed"
	PhaseTuning = "tuning"
)

// ProgressUpdate is sent after every evaluated assignment, if a progress
// channel is configured.
//
// Fields:
// - Phase: PhaseSeed for the evaluation of a starting assignment,
// PhaseTuning for proposals
// - Template: Template the assignment belongs to
// - Iteration: Cumulative iteration count of the session (0 while seeding)
// - TotalIterations: Iteration count the current Tune call will reach
// - Hyperparameters: Assignment just evaluated
// - Score: Its mean fold score (±Inf when the fit failed)
// - BestTemplate, BestHyperparameters, BestScore: The session best after
// this evaluation
// - Improved: Whether this evaluation replaced the best.
type ProgressUpdate struct {
	Phase               string
	Template            string
	Iteration           int
	TotalIterations     int
	Hyperparameters     blocks.Assignment
	Score               float64
	BestTemplate        string
	BestHyperparameters blocks.Assignment
	BestScore           float64
	Improved            bool
}

//////
// Tuner.
//////

// AcquisitionFunc ranks a candidate from the surrogate prediction. Lower is
// more promising.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds the parameters shared by acquisition functions.
//
// Fields:
// - Beta: Exploration weight of UCB. Higher = more exploration
// - Xi: Minimum improvement of PI and EI
// - BestSoFar: Lowest observed (minimised) score, set by the tuner
// - RandomState: Random source of Thompson sampling, set by the tuner.
type AcquisitionParams struct {
	Beta        float64
	Xi          float64
	BestSoFar   float64
	RandomState *rand.Rand
}

// TunerConfig controls the Gaussian process tuner.
//
// Fields:
// - InitialSamples: Number of purely random proposals before the surrogate
// is trusted. Every recorded outcome counts, the seed evaluation included
// - NumCandidates: Random candidates ranked per proposal
// - AcquisitionFunc: Ranking strategy (UCB, ProbabilityOfImprovement,
// ExpectedImprovement or ThompsonSampling)
// - AcqParams: Parameters of the acquisition function
// - Sigma: RBF kernel width over the unit hypercube.
type TunerConfig struct {
	InitialSamples  int
	NumCandidates   int
	AcquisitionFunc AcquisitionFunc
	AcqParams       AcquisitionParams
	Sigma           float64
}

// Tuner proposes hyperparameter assignments and learns from their scores.
//
// Proposals are deterministic given the tuner's random state and the
// outcomes recorded so far. The state round trips through MarshalBinary.
type Tuner interface {
	// Propose returns one complete assignment of the space.
	Propose() (blocks.Assignment, error)

	// Record reports the score observed for an assignment. Non-finite
	// scores mark failed evaluations.
	Record(a blocks.Assignment, score float64) error

	MarshalBinary() ([]byte, error)
	UnmarshalBinary(raw []byte) error
}

// TunerFactory creates a tuner over space. maximize is true when higher
// scores are better.
type TunerFactory func(space blocks.Space, maximize bool, seed uint64) (Tuner, error)

//////
// Executor.
//////

// Executor resolves templates and builds models out of them.
// blocks.Executor is the bundled implementation.
type Executor interface {
	Resolve(nameOrPath string) (*blocks.Template, error)
	Build(t *blocks.Template, a blocks.Assignment) (blocks.Model, error)
}

// StagedExecutor is an Executor that can also build a template a run of
// steps at a time. With one, tuning fits the static steps of a template once
// per fold instead of once per assignment.
type StagedExecutor interface {
	Executor
	Stage(t *blocks.Template, a blocks.Assignment, start, stop int) (*blocks.Stage, error)
}

//////
// Trial history.
//////

// Trial is one evaluated assignment of a tuning session. Template is the
// template the assignment belongs to; BestTemplate the one holding the
// session best after it.
type Trial struct {
	SessionID       string
	Template        string
	BestTemplate    string
	Metric          string
	Cost            bool
	Iteration       int
	Phase           string
	Hyperparameters blocks.Assignment
	Score           float64
	BestScore       float64
	Improved        bool
	Failed          bool
	Duration        time.Duration
	CreatedAt       time.Time
}

// TrialRecorder persists trials as they complete. Recording failures are
// logged and do not stop tuning.
type TrialRecorder interface {
	RecordTrial(ctx context.Context, t Trial) error
}
