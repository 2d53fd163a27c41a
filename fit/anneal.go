package fit

import "math"

// annealWeights interpolates the two latent prior weights log-linearly
// from start to end across the planned number of EM iterations. Early
// iterations keep stronger regularization for numerical stability before
// the subspace is meaningful. The schedule does not depend on the
// activation stage.
func annealWeights(it, total int, start, end [2]float64) [2]float64 {
	if total <= 1 || it >= total-1 {
		return end
	}
	if it <= 0 {
		return start
	}
	t := float64(it) / float64(total-1)

	var w [2]float64
	for i := 0; i < 2; i++ {
		s, e := start[i], end[i]
		if s <= 0 || e <= 0 {
			// Log interpolation undefined; fall back to linear.
			w[i] = s + (e-s)*t
			continue
		}
		w[i] = math.Exp(math.Log(s)*(1-t) + math.Log(e)*t)
	}
	return w
}
