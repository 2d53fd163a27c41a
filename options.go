package atlas

import (
	"fmt"
	"runtime"
)

// Options configures a model fit. Zero values take the documented
// defaults; inconsistent values are rejected by Validate before any EM
// iteration runs.
type Options struct {
	Model   NoiseModel `json:"model"`   // zero → Categorical
	Classes int        `json:"classes"` // template classes; zero → 2
	Rank    int        `json:"rank"`    // subspace rank K; zero → 8
	Lattice Lattice    `json:"lattice"` // zero → 16×16×16, 1mm voxels

	// Differential-operator parameters.
	Absolute float64 `json:"absolute"` // absolute-displacement penalty; zero → 1e-3
	Membrane float64 `json:"membrane"` // membrane penalty; zero → 0.1

	// Iteration counts.
	EMIterations         int `json:"em_iterations"`          // zero → 50
	GNIterations         int `json:"gn_iterations"`          // Gauss-Newton per subject per block; zero → 2
	LineSearchIterations int `json:"line_search_iterations"` // backtracking halvings; zero → 6
	SolverIterations     int `json:"solver_iterations"`      // conjugate-gradient steps; zero → 12
	IntegrationSteps     int `json:"integration_steps"`      // deformation integration steps; zero → 8

	// Latent prior weights (wpz), annealed log-linearly from Start to End
	// over EMIterations. Component 0 weights the statistical precision Az,
	// component 1 the operator term W'LW.
	LatentWeightStart [2]float64 `json:"latent_weight_start"` // zero → {1, 16}
	LatentWeightEnd   [2]float64 `json:"latent_weight_end"`   // zero → {1, 1}

	// Wishart/Gamma prior hyperparameters. Degrees of freedom: zero takes
	// the documented default; a negative value selects the zero-df
	// (maximum likelihood) branch.
	LatentPriorDF          float64 `json:"latent_prior_df"`          // zero → Rank
	AffinePriorDF          float64 `json:"affine_prior_df"`          // zero → Basis.Dim()
	ResidualPriorCount     float64 `json:"residual_prior_count"`     // Gamma pseudo-count; zero → 10
	ResidualPriorPrecision float64 `json:"residual_prior_precision"` // Gamma prior mean; zero → 1

	Basis AffineBasis `json:"-"` // zero → DefaultAffineBasis()

	SmoothingFWHM float64 `json:"smoothing_fwhm"` // template smoothing in voxels; zero → 8; halved per activation
	GainThreshold float64 `json:"gain_threshold"` // activation/convergence gain threshold; zero → 1e-4

	Workers   int `json:"workers"`    // subject-parallel workers; zero → GOMAXPROCS; 1 → serial
	BatchSize int `json:"batch_size"` // subjects per worker batch; zero → 1

	PenalizeFailures bool   `json:"penalize_failures"` // skip exhausted back-off subjects without computing
	Seed             uint64 `json:"seed"`              // latent init seed; zero → 1
	Verbose          bool   `json:"verbose"`
	CheckpointPath   string `json:"checkpoint_path"` // empty → no checkpointing

	Storage Storage `json:"-"` // nil → NewMemStorage()
	Matcher Matcher `json:"-"` // nil → NewMatcher(Model)
}

// WithDefaults returns a copy of o with zero-valued fields replaced by the
// documented defaults. It does not validate.
func (o Options) WithDefaults() Options {
	if o.Model == 0 {
		o.Model = Categorical
	}
	if o.Classes == 0 {
		if o.Model == Bernoulli {
			o.Classes = 1
		} else {
			o.Classes = 2
		}
	}
	if o.Rank == 0 {
		o.Rank = 8
	}
	if o.Lattice == (Lattice{}) {
		o.Lattice = Lattice{Nx: 16, Ny: 16, Nz: 16, Voxel: [3]float64{1, 1, 1}}
	}
	if o.Lattice.Voxel == ([3]float64{}) {
		o.Lattice.Voxel = [3]float64{1, 1, 1}
	}
	if o.Absolute == 0 {
		o.Absolute = 1e-3
	}
	if o.Membrane == 0 {
		o.Membrane = 0.1
	}
	if o.EMIterations == 0 {
		o.EMIterations = 50
	}
	if o.GNIterations == 0 {
		o.GNIterations = 2
	}
	if o.LineSearchIterations == 0 {
		o.LineSearchIterations = 6
	}
	if o.SolverIterations == 0 {
		o.SolverIterations = 12
	}
	if o.IntegrationSteps == 0 {
		o.IntegrationSteps = 8
	}
	if o.LatentWeightStart == ([2]float64{}) {
		o.LatentWeightStart = [2]float64{1, 16}
	}
	if o.LatentWeightEnd == ([2]float64{}) {
		o.LatentWeightEnd = [2]float64{1, 1}
	}
	if o.Basis.Dim() == 0 {
		o.Basis = DefaultAffineBasis()
	}
	if o.LatentPriorDF == 0 {
		o.LatentPriorDF = float64(o.Rank)
	} else if o.LatentPriorDF < 0 {
		o.LatentPriorDF = 0
	}
	if o.AffinePriorDF == 0 {
		o.AffinePriorDF = float64(o.Basis.Dim())
	} else if o.AffinePriorDF < 0 {
		o.AffinePriorDF = 0
	}
	if o.ResidualPriorCount == 0 {
		o.ResidualPriorCount = 10
	}
	if o.ResidualPriorPrecision == 0 {
		o.ResidualPriorPrecision = 1
	}
	if o.SmoothingFWHM == 0 {
		o.SmoothingFWHM = 8
	}
	if o.GainThreshold == 0 {
		o.GainThreshold = 1e-4
	}
	if o.Workers == 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.BatchSize == 0 {
		o.BatchSize = 1
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.Storage == nil {
		o.Storage = NewMemStorage()
	}
	return o
}

// Validate checks internal consistency after defaults are applied.
// All failures wrap ErrInvalidOptions.
func (o Options) Validate() error {
	if !o.Model.IsValid() {
		return fmt.Errorf("%w: noise model %d", ErrInvalidOptions, int(o.Model))
	}
	if o.Model == Categorical && o.Classes < 2 {
		return fmt.Errorf("%w: categorical model needs at least 2 classes, got %d", ErrInvalidOptions, o.Classes)
	}
	if o.Model == Bernoulli && o.Classes != 1 {
		return fmt.Errorf("%w: bernoulli model is single-channel, got %d classes", ErrInvalidOptions, o.Classes)
	}
	if o.Classes < 1 {
		return fmt.Errorf("%w: classes %d", ErrInvalidOptions, o.Classes)
	}
	if o.Lattice.Nx < 2 || o.Lattice.Ny < 2 || o.Lattice.Nz < 2 {
		return fmt.Errorf("%w: lattice %dx%dx%d too small", ErrInvalidOptions, o.Lattice.Nx, o.Lattice.Ny, o.Lattice.Nz)
	}
	if o.Rank < 1 {
		return fmt.Errorf("%w: rank %d", ErrInvalidOptions, o.Rank)
	}
	if o.Rank > 3*o.Lattice.Len() {
		return fmt.Errorf("%w: rank %d exceeds lattice capacity %d", ErrInvalidOptions, o.Rank, 3*o.Lattice.Len())
	}
	if o.Absolute < 0 || o.Membrane < 0 {
		return fmt.Errorf("%w: negative operator parameters", ErrInvalidOptions)
	}
	if o.EMIterations < 1 {
		return fmt.Errorf("%w: em_iterations %d", ErrInvalidOptions, o.EMIterations)
	}
	for i := 0; i < 2; i++ {
		if o.LatentWeightStart[i] < 0 || o.LatentWeightEnd[i] < 0 {
			return fmt.Errorf("%w: negative latent weights", ErrInvalidOptions)
		}
	}
	if o.ResidualPriorCount < 0 || o.ResidualPriorPrecision <= 0 {
		return fmt.Errorf("%w: residual prior (count %g, precision %g)", ErrInvalidOptions, o.ResidualPriorCount, o.ResidualPriorPrecision)
	}
	if o.GainThreshold <= 0 {
		return fmt.Errorf("%w: gain threshold %g", ErrInvalidOptions, o.GainThreshold)
	}
	if o.Workers < 1 {
		return fmt.Errorf("%w: workers %d", ErrInvalidOptions, o.Workers)
	}
	if b := o.Basis; len(b.Regularized) != b.Dim() {
		return fmt.Errorf("%w: affine basis has %d generators but %d regularization flags", ErrInvalidOptions, b.Dim(), len(b.Regularized))
	}
	return nil
}
