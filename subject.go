package atlas

import "gonum.org/v1/gonum/mat"

// BackoffInit is the initial value of the per-subject failure counters. A
// subject may fail its local optimization this many times before
// penalize-on-failure starts skipping its updates.
const BackoffInit = 4

// BoundTerms are a subject's contributions to the evidence lower bound,
// used only for population-level aggregation.
type BoundTerms struct {
	Match float64 // matching log-likelihood
	KLZ   float64 // KL of the latent coordinates
	KLV   float64 // KL of the residual field
	KLQ   float64 // KL of the affine coordinates
}

// Subject is the per-image record. It is owned exclusively by its worker
// during a block's parallel phase and read by model-level aggregations
// during reductions. Subjects are created at initialization and never
// destroyed mid-run.
type Subject struct {
	Image string // storage key of the observed data

	Affine    []float64     // q
	AffineCov *mat.SymDense // Sq

	Latent    *mat.VecDense // z
	LatentCov *mat.SymDense // Sz

	Residual Field // v

	// Back-off counters: OK guards pose/latent updates, OK2 residual
	// updates. Decremented on local-optimization failure; once
	// non-positive (with penalization enabled) the corresponding update
	// is skipped without attempting computation.
	OK  int
	OK2 int

	LB BoundTerms
}

// NewSubject creates a subject with identity affine, zero latent
// coordinates and zero residual velocity, referencing observed data under
// the given storage key.
func NewSubject(imageKey string, o Options) *Subject {
	q := o.Basis.Dim()
	return &Subject{
		Image:     imageKey,
		Affine:    make([]float64, q),
		AffineCov: identitySym(q, 1),
		Latent:    mat.NewVecDense(o.Rank, nil),
		LatentCov: identitySym(o.Rank, 1),
		Residual:  NewField(o.Lattice),
		OK:        BackoffInit,
		OK2:       BackoffInit,
	}
}
