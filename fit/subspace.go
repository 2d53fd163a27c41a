package fit

import (
	"log"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-shape/atlas"
)

// updateSubspace runs the joint Gauss-Newton update of the principal
// modes. Per-subject gradients are pulled back in parallel; the modes are
// then assembled serially, one regularized solve per mode, and a single
// joint line search accepts or rejects the whole step. The subspace is a
// shared parameter, so a rejected step leaves every mode unchanged.
func (f *Fitter) updateSubspace(model *atlas.Model, subjects []*atlas.Subject) {
	o := f.opts
	lat := o.Lattice
	basis := o.Basis
	k := model.Rank()
	n := len(subjects)

	// Mode-space regularizer: the operator prior on each mode plus the
	// annealed latent-bound coupling through the second moments.
	reg := identityPlusScaled(symAdd(model.ZZ, model.SZ), model.RegWeights[1])

	type contrib struct {
		grad atlas.Field
		hess []float64
		ll   float64
		ok   bool
	}
	contribs := make([]contrib, n)

	forEach(n, o.Workers, o.BatchSize, func(i int) {
		s := subjects[i]
		if o.PenalizeFailures && s.OK <= 0 {
			return
		}
		obs, err := o.Storage.Load(s.Image)
		if err != nil {
			return
		}
		psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, s.Latent, s.Residual, o.IntegrationSteps)
		grad, hess, ll := f.matcher.GradHess(model.Template, obs, psi)
		if !finite(ll) {
			return
		}
		aMat := basis.Matrix(s.Affine)
		contribs[i] = contrib{applyLinT(aMat, grad), congruenceHess(aMat, hess), ll, true}
	})

	// Per-mode search directions: matching terms weighted by the latent
	// coordinates, prior momentum subtracted, solved against the coupled
	// curvature.
	delta := make([]atlas.Field, k)
	for a := 0; a < k; a++ {
		g := atlas.NewField(lat)
		h := make([]float64, 6*lat.Len())
		for i := range contribs {
			if !contribs[i].ok {
				continue
			}
			z := subjects[i].Latent.AtVec(a)
			g.AddScaled(z, contribs[i].grad)
			floats.AddScaled(h, z*z, contribs[i].hess)
		}
		coupled := atlas.NewField(lat)
		for b := 0; b < k; b++ {
			if w := reg.At(a, b); w != 0 {
				coupled.AddScaled(w, model.Subspace[b])
			}
		}
		g.AddScaled(-1, f.op.Vel2Mom(coupled))
		delta[a] = f.solver.Solve(g, h, reg.At(a, a))
	}

	matchSum := func(w []atlas.Field) float64 {
		lls := make([]float64, n)
		forEach(n, o.Workers, o.BatchSize, func(i int) {
			if !contribs[i].ok {
				return
			}
			s := subjects[i]
			obs, err := o.Storage.Load(s.Image)
			if err != nil {
				return
			}
			psi := atlas.Compose(lat, basis, s.Affine, w, s.Latent, s.Residual, o.IntegrationSteps)
			lls[i] = f.matcher.LogLik(model.Template, obs, psi)
		})
		return floats.Sum(lls)
	}
	objective := func(w []atlas.Field) float64 {
		return matchSum(w) - 0.5*operPenalty(f.op, w, reg)
	}

	var base float64
	for i := range contribs {
		base += contribs[i].ll
	}
	base -= 0.5 * operPenalty(f.op, model.Subspace, reg)

	tryModes := func(step float64) []atlas.Field {
		out := make([]atlas.Field, k)
		for a := 0; a < k; a++ {
			out[a] = model.Subspace[a].Clone()
			out[a].AddScaled(step, delta[a])
		}
		return out
	}
	step, _, ok := backtrack(o.LineSearchIterations, base, func(step float64) float64 {
		return objective(tryModes(step))
	})
	if ok {
		model.Subspace = tryModes(step)
	} else if o.Verbose {
		log.Printf("fit: subspace step rejected, modes unchanged")
	}

	// Refresh the operator second moment of the modes; the jitter keeps it
	// factorizable while the modes are still near zero.
	ww := mat.NewSymDense(k, nil)
	moms := make([]atlas.Field, k)
	for a := 0; a < k; a++ {
		moms[a] = f.op.Vel2Mom(model.Subspace[a])
	}
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			ww.SetSym(a, b, moms[a].Dot(model.Subspace[b]))
		}
		ww.SetSym(a, a, ww.At(a, a)+1e-6)
	}
	model.SubspaceCov = ww

	// Bound terms at the accepted modes.
	var match float64
	forEach(n, o.Workers, o.BatchSize, func(i int) {
		if !contribs[i].ok {
			return
		}
		s := subjects[i]
		obs, err := o.Storage.Load(s.Image)
		if err != nil {
			return
		}
		psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, s.Latent, s.Residual, o.IntegrationSteps)
		s.LB.Match = f.matcher.LogLik(model.Template, obs, psi)
	})
	for _, s := range subjects {
		match += s.LB.Match
	}
	var tr float64
	for a := 0; a < k; a++ {
		tr += ww.At(a, a)
	}
	model.ELBO.Set(atlas.CompMatch, match)
	model.ELBO.Set(atlas.CompSubspace, -0.5*tr)
}

// identityPlusScaled returns I + w·S.
func identityPlusScaled(s *mat.SymDense, w float64) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, w*s.At(i, j))
		}
		out.SetSym(i, i, out.At(i, i)+1)
	}
	return out
}

// operPenalty returns Σ_{ab} reg_ab·<L·w_a, w_b>, the quadratic operator
// penalty of the modes under the coupled regularizer.
func operPenalty(op *atlas.Operator, w []atlas.Field, reg *mat.SymDense) float64 {
	k := len(w)
	var out float64
	for a := 0; a < k; a++ {
		mom := op.Vel2Mom(w[a])
		for b := 0; b < k; b++ {
			if r := reg.At(a, b); r != 0 {
				out += r * mom.Dot(w[b])
			}
		}
	}
	return out
}
