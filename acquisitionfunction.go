package greenguard

import (
	"fmt"
	"math"
	"sort"
)

// Every acquisition function scores a candidate from the surrogate's
// prediction; the tuner evaluates the candidate with the LOWEST value next.
// Scores are minimised internally, so "mean" is lower-is-better regardless
// of the metric direction.

// UCB (Upper Confidence Bound, in its minimising form) balances exploitation
// of a low predicted mean against exploration of high variance.
//
// Parameters:
// - mean: Predicted score
// - variance: Prediction uncertainty
// - params.Beta: Exploration weight (higher = more exploration)
//
// Returns:
// - mean - Beta * sqrt(variance).
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement returns the probability that the candidate does
// NOT improve on the best score by at least Xi, so lower is better.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	if math.IsInf(params.BestSoFar, 1) {
		return UCB(mean, variance, params)
	}

	z := (mean - params.BestSoFar - params.Xi) / math.Sqrt(variance)

	return normalCDF(z)
}

// ExpectedImprovement returns the negated expected improvement over the best
// score, so lower is better.
//
// Parameters:
// - params.BestSoFar: Lowest observed score
// - params.Xi: Minimum improvement worth pursuing.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	if math.IsInf(params.BestSoFar, 1) {
		return UCB(mean, variance, params)
	}

	sigma := math.Sqrt(variance)
	improvement := params.BestSoFar - mean - params.Xi
	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one sample from the predictive distribution. It
// needs params.RandomState, which the tuner owns so draws stay reproducible.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// acquisitionFuncs maps the names accepted by configuration to functions.
var acquisitionFuncs = map[string]AcquisitionFunc{
	"ucb":      UCB,
	"pi":       ProbabilityOfImprovement,
	"ei":       ExpectedImprovement,
	"thompson": ThompsonSampling,
}

// AcquisitionByName returns the acquisition function registered as name:
// "ucb", "pi", "ei" or "thompson".
func AcquisitionByName(name string) (AcquisitionFunc, error) {
	fn, ok := acquisitionFuncs[name]
	if !ok {
		names := make([]string, 0, len(acquisitionFuncs))
		for k := range acquisitionFuncs {
			names = append(names, k)
		}

		sort.Strings(names)

		return nil, fmt.Errorf("unknown acquisition function %q, want one of %v", name, names)
	}

	return fn, nil
}
