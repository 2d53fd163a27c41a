package fit

// backtrack runs an Armijo-style backtracking line search: starting from
// a unit step it halves until eval improves on base. Returns the accepted
// step and objective, or ok=false when no improving step was found within
// iters attempts (callers then leave the parameter unchanged).
func backtrack(iters int, base float64, eval func(step float64) float64) (step, val float64, ok bool) {
	if !finite(base) {
		// A degenerate starting objective: accept any finite improvement
		// over -Inf, never over NaN.
		step = 1
		for i := 0; i < iters; i++ {
			if v := eval(step); finite(v) {
				return step, v, true
			}
			step /= 2
		}
		return 0, base, false
	}
	step = 1
	for i := 0; i < iters; i++ {
		if v := eval(step); finite(v) && v > base {
			return step, v, true
		}
		step /= 2
	}
	return 0, base, false
}
