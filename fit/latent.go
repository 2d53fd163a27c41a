package fit

import (
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-shape/atlas"
)

// updateLatent runs the per-subject Gauss-Newton update of the latent
// coordinates, re-orthogonalizes the subspace against the refreshed
// second moments, and updates the latent precision. The effective latent
// prior combines the statistical precision with the operator term,
// weighted by the annealed RegWeights.
func (f *Fitter) updateLatent(model *atlas.Model, subjects []*atlas.Subject) {
	o := f.opts
	lat := o.Lattice
	basis := o.Basis
	k := model.Rank()
	n := len(subjects)

	aeff := model.LatentReg()

	forEach(n, o.Workers, o.BatchSize, func(i int) {
		s := subjects[i]
		if o.PenalizeFailures && s.OK <= 0 {
			return
		}
		obs, err := o.Storage.Load(s.Image)
		if err != nil {
			s.OK--
			return
		}
		aMat := basis.Matrix(s.Affine)

		objective := func(z *mat.VecDense) float64 {
			psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, z, s.Residual, o.IntegrationSteps)
			return f.matcher.LogLik(model.Template, obs, psi) - 0.5*quadFormVec(aeff, z)
		}

		improved := false
		for gn := 0; gn < o.GNIterations; gn++ {
			psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, s.Latent, s.Residual, o.IntegrationSteps)
			grad, hess, ll := f.matcher.GradHess(model.Template, obs, psi)
			base := ll - 0.5*quadFormVec(aeff, s.Latent)

			// Pull the voxel gradient back through ψ = A·(x+φ), then
			// project onto the modes: dφ/dz_k ≈ W_k under the stationary
			// parametrization.
			ga := applyLinT(aMat, grad)
			ha := congruenceHess(aMat, hess)
			gz := make([]float64, k)
			hz := mat.NewSymDense(k, nil)
			for a := 0; a < k; a++ {
				gz[a] = ga.Dot(model.Subspace[a])
				for b := a; b < k; b++ {
					hz.SetSym(a, b, modeHess(ha, model.Subspace[a], model.Subspace[b]))
				}
			}
			sys := symAdd(hz, aeff)
			for a := 0; a < k; a++ {
				for b := 0; b < k; b++ {
					gz[a] -= aeff.At(a, b) * s.Latent.AtVec(b)
				}
			}
			delta := solveSPD(sys, gz)
			if delta == nil {
				break
			}

			step, _, ok := backtrack(o.LineSearchIterations, base, func(step float64) float64 {
				return objective(vecAddScaled(s.Latent, step, delta))
			})
			if !ok {
				break
			}
			s.Latent = vecAddScaled(s.Latent, step, delta)
			if sz := invSPD(sys); sz != nil {
				s.LatentCov = sz
			}
			improved = true
		}
		if !improved {
			s.OK--
			return
		}
		s.LB.Match = objective(s.Latent) + 0.5*quadFormVec(aeff, s.Latent)
	})

	// Reduction: refresh the second moments, rotate the subspace so the
	// latent scatter is diagonal, then the precision update against the
	// rotated moments.
	model.RederiveLatentAggregates(subjects)
	if r, ri, err := atlas.Orthogonalize(symAdd(model.ZZ, model.SZ), model.SubspaceCov, float64(n), o.LatentPriorDF); err == nil {
		atlas.ApplyRotation(model, subjects, r, ri)
	}
	if az, err := atlas.WishartPrecision(nil, o.LatentPriorDF, symAdd(model.ZZ, model.SZ), float64(n)); err == nil {
		model.LatentPrecision = az
	}

	aeff = model.LatentReg()
	var match, klz float64
	for _, s := range subjects {
		s.LB.KLZ = klGauss(aeff, s.Latent, s.LatentCov)
		if !finite(s.LB.KLZ) {
			s.LB.KLZ = 0
		}
		match += s.LB.Match
		klz += s.LB.KLZ
	}
	model.ELBO.Set(atlas.CompMatch, match)
	model.ELBO.Set(atlas.CompKLLatent, -klz-atlas.WishartKL(model.LatentPrecision, o.LatentPriorDF))
}

// quadFormVec returns zᵀ·S·z.
func quadFormVec(s *mat.SymDense, z *mat.VecDense) float64 {
	var out float64
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out += z.AtVec(i) * s.At(i, j) * z.AtVec(j)
		}
	}
	return out
}

// vecAddScaled returns z + alpha·d as a new vector.
func vecAddScaled(z *mat.VecDense, alpha float64, d []float64) *mat.VecDense {
	n := z.Len()
	out := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetVec(i, z.AtVec(i)+alpha*d[i])
	}
	return out
}
