package atlas

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Component names of the bound decomposition. A component that has never
// been set contributes 0 to the total, not an error; blocks define their
// components when they first become active.
const (
	CompMatch       = "match"
	CompSubspace    = "subspace"
	CompKLLatent    = "kl-latent"
	CompKLResidual  = "kl-residual"
	CompKLResidualA = "kl-residual-precision"
	CompKLAffine    = "kl-affine"
	CompKLAffineA   = "kl-affine-precision"
)

// ELBO accumulates per-block evidence contributions into a single scalar
// per iteration and tracks the history used for convergence monitoring.
// Fields are exported for checkpointing; callers use the methods.
type ELBO struct {
	// Pending holds the current value of each defined component.
	Pending map[string]float64
	// Parts records, per component, the value at each commit.
	Parts map[string][]float64
	// Total is the committed bound history, one entry per EM iteration.
	Total []float64
	// Loop records the bound at the designated outer-loop checkpoints
	// (after the affine block and after the template block); only these
	// drive the activation state machine.
	Loop []float64
}

// NewELBO returns an empty aggregator.
func NewELBO() *ELBO {
	return &ELBO{
		Pending: make(map[string]float64),
		Parts:   make(map[string][]float64),
	}
}

// Set records the current value of a named component. Non-finite values
// are replaced with the component's previous value, or 0 if none exists.
func (e *ELBO) Set(name string, v float64) {
	if !isFinite(v) {
		if prev, ok := e.Pending[name]; ok {
			v = prev
		} else {
			v = 0
		}
	}
	e.Pending[name] = v
}

// Current sums the currently defined components.
func (e *ELBO) Current() float64 {
	var sum float64
	for _, v := range e.Pending {
		sum += v
	}
	return sum
}

// Commit appends the current total (and each component's value) to the
// history and returns it.
func (e *ELBO) Commit() float64 {
	total := e.Current()
	e.Total = append(e.Total, total)
	for name, v := range e.Pending {
		e.Parts[name] = append(e.Parts[name], v)
	}
	return total
}

// Len returns the number of committed iterations.
func (e *ELBO) Len() int { return len(e.Total) }

// Checkpoint records the current bound as an outer-loop checkpoint.
func (e *ELBO) Checkpoint() {
	e.Loop = append(e.Loop, e.Current())
}

// Diff returns the difference between the two most recent committed
// totals, for reporting only. Returns 0 with fewer than two commits.
func (e *ELBO) Diff() float64 {
	n := len(e.Total)
	if n < 2 {
		return 0
	}
	return e.Total[n-1] - e.Total[n-2]
}

// Gain returns the relative change between the two most recent outer-loop
// checkpoints, normalized by the spread of the committed history. With
// insufficient history it returns +Inf (never triggers activation); with
// zero spread it returns 0.
func (e *ELBO) Gain() float64 {
	if len(e.Loop) < 2 || len(e.Total) == 0 {
		return math.Inf(1)
	}
	spread := floats.Max(e.Total) - floats.Min(e.Total)
	diff := e.Loop[len(e.Loop)-1] - e.Loop[len(e.Loop)-2]
	if spread == 0 {
		return 0
	}
	return math.Abs(diff) / spread
}
