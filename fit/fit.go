package fit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/schollz/progressbar"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atlas-shape/atlas"
)

// ErrNoSubjects is returned when Run is called with an empty population.
var ErrNoSubjects = errors.New("fit: no subjects provided")

// Fitter drives the variational EM loop. A Fitter is safe to reuse for
// several runs but not for concurrent ones.
type Fitter struct {
	opts    atlas.Options
	matcher atlas.Matcher
	op      *atlas.Operator
	solver  *atlas.Solver
	rng     *rand.Rand
}

// NewFitter validates the options (zero values take their documented
// defaults) and returns a Fitter. Configuration errors are fatal and
// reported before any EM iteration runs.
func NewFitter(opts atlas.Options) (*Fitter, error) {
	o := opts.WithDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	matcher := o.Matcher
	if matcher == nil {
		var err error
		matcher, err = atlas.NewMatcher(o.Model)
		if err != nil {
			return nil, err
		}
	}
	op := &atlas.Operator{Lat: o.Lattice, Absolute: o.Absolute, Membrane: o.Membrane}
	return &Fitter{
		opts:    o,
		matcher: matcher,
		op:      op,
		solver:  &atlas.Solver{Op: op, Iters: o.SolverIterations},
		rng:     rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Options returns the resolved options (defaults applied).
func (f *Fitter) Options() atlas.Options { return f.opts }

// NewSubject stores the observed data under the given key and returns a
// fresh subject record referencing it.
func (f *Fitter) NewSubject(key string, data []float64) (*atlas.Subject, error) {
	want := f.opts.Lattice.Len() * f.opts.Classes
	if len(data) != want {
		return nil, fmt.Errorf("%w: subject %q has %d values, lattice needs %d",
			atlas.ErrInvalidOptions, key, len(data), want)
	}
	if err := f.opts.Storage.Save(key, data); err != nil {
		return nil, err
	}
	return atlas.NewSubject(key, f.opts), nil
}

// Run fits a new model to the subjects, starting from the affine-only
// stage, and returns it. The context is checked between iterations; the
// loop otherwise terminates at EMIterations or at convergence.
func (f *Fitter) Run(ctx context.Context, subjects []*atlas.Subject) (*atlas.Model, error) {
	if len(subjects) == 0 {
		return nil, ErrNoSubjects
	}
	model := atlas.NewModel(f.opts)

	// First template estimate, then random latent initialization against
	// it.
	f.updateTemplate(model, subjects)
	f.randomizeLatents(model, subjects)
	model.RederiveLatentAggregates(subjects)
	model.RederiveAffineAggregates(subjects)

	return model, f.loop(ctx, model, subjects, atlas.StageAffine, 0)
}

// Resume restarts a fit from a checkpoint file. The storage holding the
// observed data is re-injected (nil keeps the checkpointed options'
// default of a fresh in-memory store, which is almost never what a
// caller wants). A requested rank larger than the checkpointed subspace
// is a configuration error.
func Resume(ctx context.Context, path string, storage atlas.Storage) (*atlas.Model, []*atlas.Subject, error) {
	c, err := atlas.LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	o := c.Options
	o.Storage = storage

	f, err := NewFitter(o)
	if err != nil {
		return nil, nil, err
	}
	if f.opts.Rank > len(c.Model.Subspace) {
		return nil, nil, fmt.Errorf("%w: requested %d, checkpoint has %d",
			atlas.ErrRankExceeded, f.opts.Rank, len(c.Model.Subspace))
	}

	// Recompute the terminal state from the checkpointed activation and
	// history rather than trusting the stored stage blindly.
	stage := c.Stage
	if stage == atlas.StageResidual &&
		c.Model.ELBO.Gain() < f.opts.GainThreshold {
		stage = atlas.StageConverged
	}
	if stage == atlas.StageConverged || c.Iter >= f.opts.EMIterations {
		return c.Model, c.Subjects, nil
	}
	return c.Model, c.Subjects, f.loop(ctx, c.Model, c.Subjects, stage, c.Iter)
}

// loop is the outer EM loop: weight annealing, stage transitions, block
// updates in order, bound commit and checkpointing.
func (f *Fitter) loop(ctx context.Context, model *atlas.Model, subjects []*atlas.Subject, stage atlas.Stage, startIter int) error {
	o := f.opts
	elbo := model.ELBO

	var bar *progressbar.ProgressBar
	if o.Verbose {
		bar = progressbar.New(o.EMIterations - startIter)
	}

	for it := startIter; it < o.EMIterations; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Stage transition, gated on the outer-loop bound gain. Each
		// activation halves the template smoothing bandwidth
		// (coarse-to-fine).
		if next := stage.Advance(elbo.Gain(), o.GainThreshold); next != stage {
			stage = next
			model.FWHM /= 2
			if o.Verbose {
				log.Printf("fit: iteration %d: stage %s", it, stage)
			}
			if stage == atlas.StageConverged {
				break
			}
		}

		model.RegWeights = annealWeights(it, o.EMIterations, o.LatentWeightStart, o.LatentWeightEnd)

		if stage.Active(atlas.BlockAffine) {
			f.updateAffine(model, subjects)
		}
		elbo.Checkpoint()

		if stage.Active(atlas.BlockSubspace) {
			f.updateSubspace(model, subjects)
		}
		if stage.Active(atlas.BlockLatent) {
			f.updateLatent(model, subjects)
		}
		if stage.Active(atlas.BlockResidual) {
			f.updateResidual(model, subjects)
		}

		f.updateTemplate(model, subjects)
		elbo.Checkpoint()

		total := elbo.Commit()
		if o.Verbose {
			log.Printf("fit: iteration %d: elbo %.6g (diff %.3g)", it, total, elbo.Diff())
		}

		if o.CheckpointPath != "" {
			c := &atlas.Checkpoint{
				Options:  o,
				Stage:    stage,
				Iter:     it + 1,
				Model:    model,
				Subjects: subjects,
			}
			if err := c.Save(o.CheckpointPath); err != nil {
				return err
			}
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	return nil
}

// randomizeLatents draws each subject's latent coordinates from a
// standard normal scaled down for stability, replacing the zero
// initialization once a first template exists.
func (f *Fitter) randomizeLatents(model *atlas.Model, subjects []*atlas.Subject) {
	norm := distuv.Normal{Mu: 0, Sigma: 0.1, Src: f.rng}
	for _, s := range subjects {
		for k := 0; k < model.Rank(); k++ {
			s.Latent.SetVec(k, norm.Rand())
		}
	}
}
