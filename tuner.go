package greenguard

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/thalesfsp/greenguard/blocks"
)

//////
// Exported functionalities.
//////

// DefaultTunerConfig returns a default tuner configuration.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		InitialSamples:  5,
		NumCandidates:   50,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			Beta: 2.0,
			Xi:   0.01,
		},
		Sigma: 0.25,
	}
}

// NewGPTuner returns a TunerFactory creating Bayesian optimisation tuners
// backed by a Gaussian process.
//
// How it works:
// 1. Every assignment is encoded onto the unit hypercube, one coordinate per
// hyperparameter (strings and booleans map to evenly spaced points)
// 2. Until InitialSamples outcomes are recorded, proposals are uniform random
// points of the hypercube
// 3. Afterwards, NumCandidates random points are ranked by AcquisitionFunc
// over the Gaussian process prediction and the lowest is proposed
// 4. Scores are minimised internally; maximised metrics are negated.
//
// The random source is a PCG generator seeded from seed. Its state and the
// recorded outcomes are the whole tuner state, so a tuner restored with
// UnmarshalBinary proposes exactly what the original would have.
func NewGPTuner(cfg TunerConfig) TunerFactory {
	if cfg.AcquisitionFunc == nil {
		cfg.AcquisitionFunc = UCB
	}

	if cfg.NumCandidates < 1 {
		cfg.NumCandidates = 1
	}

	return func(space blocks.Space, maximize bool, seed uint64) (Tuner, error) {
		for _, name := range space.Names() {
			if err := checkSpec(name, space[name]); err != nil {
				return nil, err
			}
		}

		pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)

		return &gpTuner{
			cfg:      cfg,
			space:    space,
			maximize: maximize,
			pcg:      pcg,
			rng:      rand.New(pcg),
			gp:       newGaussianProcess(cfg.Sigma),
		}, nil
	}
}

//////
// Const, vars, types.
//////

// gpTuner implements Tuner. It is not safe for concurrent use.
type gpTuner struct {
	cfg      TunerConfig
	space    blocks.Space
	maximize bool

	pcg *rand.PCG
	rng *rand.Rand

	gp *gaussianProcess
}

// gpState is the gob encoded tuner state.
type gpState struct {
	RNG []byte
	X   [][]float64
	Y   []float64
}

//////
// Methods.
//////

func (t *gpTuner) randomPoint() []float64 {
	u := make([]float64, len(t.space))
	for i := range u {
		u[i] = t.rng.Float64()
	}

	return u
}

// Propose implements Tuner.
func (t *gpTuner) Propose() (blocks.Assignment, error) {
	if t.gp.Len() < t.cfg.InitialSamples {
		return t.space.Decode(t.randomPoint()), nil
	}

	params := t.cfg.AcqParams
	params.BestSoFar = t.gp.Best()
	params.RandomState = t.rng

	var (
		next []float64
		best = math.Inf(1)
	)

	for j := 0; j < t.cfg.NumCandidates; j++ {
		candidate := t.randomPoint()

		mean, variance := t.gp.Predict(candidate)

		// The first candidate is kept even when every acquisition is NaN.
		if acquisition := t.cfg.AcquisitionFunc(mean, variance, params); next == nil || acquisition < best {
			best = acquisition
			next = candidate
		}
	}

	return t.space.Decode(next), nil
}

// Record implements Tuner. The assignment must cover the whole space.
func (t *gpTuner) Record(a blocks.Assignment, score float64) error {
	valid, err := t.space.Validate(a)
	if err != nil {
		return err
	}

	if len(valid) != len(t.space) {
		return fmt.Errorf("recorded assignment has %d of %d hyperparameters", len(valid), len(t.space))
	}

	if math.IsNaN(score) {
		score = math.Inf(-1)
		if !t.maximize {
			score = math.Inf(1)
		}
	}

	if t.maximize {
		score = -score
	}

	t.gp.Update(t.space.Encode(valid), score)

	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t *gpTuner) MarshalBinary() ([]byte, error) {
	rng, err := t.pcg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	X, Y := t.gp.Observations()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gpState{RNG: rng, X: X, Y: Y}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Empty input keeps
// the freshly seeded state.
func (t *gpTuner) UnmarshalBinary(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}

	var state gpState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return fmt.Errorf("decode tuner state: %w", err)
	}

	if len(state.X) != len(state.Y) {
		return fmt.Errorf("tuner state has %d points and %d scores", len(state.X), len(state.Y))
	}

	for _, x := range state.X {
		if len(x) != len(t.space) {
			return fmt.Errorf("tuner state has %d dimensions, space has %d", len(x), len(t.space))
		}
	}

	if err := t.pcg.UnmarshalBinary(state.RNG); err != nil {
		return fmt.Errorf("decode tuner random state: %w", err)
	}

	t.gp.Reset(state.X, state.Y)

	return nil
}

// checkSpec rejects specs the hypercube encoding cannot represent.
func checkSpec(name string, s blocks.Spec) error {
	switch s.Type {
	case blocks.KindInt, blocks.KindFloat:
		if len(s.Range) != 2 {
			return fmt.Errorf("hyperparameter %s: range must be [min, max]", name)
		}
	case blocks.KindString:
		if len(s.Values) == 0 {
			return fmt.Errorf("hyperparameter %s: no values", name)
		}
	}

	return nil
}
