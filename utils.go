package greenguard

import (
	"math"
	"time"
)

//////
// Helper functions.
//////

// Helper function used by PI and EI to compute the cumulative distribution
// function of the standard normal distribution.
//
// Returns:
// - Probability that a standard normal random variable is less than x.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// Helper function used by EI to compute the probability density function
// of the standard normal distribution.
//
// Returns:
// - Value of the standard normal PDF at x.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

// worstScore is the score recorded for a failed evaluation: +Inf for cost
// metrics, -Inf otherwise.
func worstScore(cost bool) float64 {
	if cost {
		return math.Inf(1)
	}

	return math.Inf(-1)
}

// isBetter reports whether score strictly improves on best. NaN never
// improves, and anything but NaN improves on a NaN best.
func isBetter(score, best float64, cost bool) bool {
	switch {
	case math.IsNaN(score):
		return false
	case math.IsNaN(best):
		return true
	case cost:
		return score < best
	default:
		return score > best
	}
}

// measure runs f and returns how long it took along with its error.
func measure(f func() (float64, error)) (float64, time.Duration, error) {
	start := time.Now()

	score, err := f()

	return score, time.Since(start), err
}
