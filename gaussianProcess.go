package greenguard

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

// minVariance keeps acquisition functions away from a zero standard
// deviation.
const minVariance = 1e-9

// gaussianProcess is a kernel regression surrogate over the unit hypercube
// encoding of a hyperparameter space. It predicts the (minimised) score of an
// untested assignment from the assignments recorded so far.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Observed input points, one unit hypercube coordinate per hyperparameter
// - Y: Observed scores at each input point, lower is better
// - sigma: Kernel width parameter controlling the smoothness of interpolation
//
// Non-finite scores (failed fits) are kept in Y as recorded and replaced by a
// penalty at prediction time, so the penalty follows the observed scale.
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// X stores the input points. Length of inner slices must be consistent.
	X [][]float64

	// Y stores the observed scores at each point in X.
	// Must have same length as X.
	Y []float64

	// sigma is the kernel width parameter
	// Larger values = smoother interpolation
	// Smaller values = more local influence
	sigma float64
}

//////
// Methods.
//////

// rbf implements the Radial Basis Function (Gaussian) kernel. Similarity is
// 1 for identical points and decays exponentially with squared distance.
//
// Parameters:
// - x1, x2: Input vectors to compare (must have same length)
// - sigma: Kernel width
//
// Returns:
// - float64: Similarity in (0, 1].
func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64
	for i := range x1 {
		diff := x1[i] - x2[i]
		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// finiteY returns Y with every non-finite score replaced by a penalty one
// unit worse than the worst finite score, and the mean of the result.
func (gp *gaussianProcess) finiteY() ([]float64, float64) {
	worst := math.Inf(-1)
	for _, y := range gp.Y {
		if !math.IsInf(y, 0) && !math.IsNaN(y) && y > worst {
			worst = y
		}
	}

	penalty := 1.0
	if !math.IsInf(worst, -1) {
		penalty = worst + 1
	}

	out := make([]float64, len(gp.Y))

	var sum float64
	for i, y := range gp.Y {
		if math.IsInf(y, 0) || math.IsNaN(y) {
			y = penalty
		}

		out[i] = y
		sum += y
	}

	return out, sum / float64(len(out))
}

// Predict returns the predicted score and its uncertainty at point x.
//
// The mean is the observed mean plus a kernel weighted average of the
// residuals; the variance is 1 minus the squared similarity to the closest
// observation, so it vanishes at observed points and tends to 1 far from
// them.
//
// Returns:
// - mean: Predicted score (lower is better)
// - variance: Uncertainty, clamped to a small positive floor.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	// With no observations, return the prior.
	if len(gp.X) == 0 {
		return 0, 1
	}

	ys, prior := gp.finiteY()

	var (
		weighted float64
		weights  float64
		nearest  float64
	)

	for i := range gp.X {
		k := rbf(x, gp.X[i], gp.sigma)

		weighted += k * (ys[i] - prior)
		weights += k
		nearest = math.Max(nearest, k)
	}

	mean = prior + weighted/math.Max(weights, 1)
	variance = math.Max(1-nearest*nearest, minVariance)

	return mean, variance
}

// Best returns the lowest finite observed score, or +Inf when there is none.
func (gp *gaussianProcess) Best() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	best := math.Inf(1)
	for _, y := range gp.Y {
		if !math.IsNaN(y) && y < best {
			best = y
		}
	}

	return best
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// Update adds a new observation to the model. The input is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
}

// Observations returns copies of the recorded points and scores.
func (gp *gaussianProcess) Observations() ([][]float64, []float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	X := make([][]float64, len(gp.X))
	for i, x := range gp.X {
		X[i] = append([]float64(nil), x...)
	}

	return X, append([]float64(nil), gp.Y...)
}

// Reset replaces every observation.
func (gp *gaussianProcess) Reset(X [][]float64, Y []float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.X = X
	gp.Y = Y
}

// newGaussianProcess creates a new Gaussian Process with the given kernel
// width. A non-positive width falls back to 0.25.
func newGaussianProcess(sigma float64) *gaussianProcess {
	if sigma <= 0 {
		sigma = 0.25
	}

	return &gaussianProcess{sigma: sigma}
}
