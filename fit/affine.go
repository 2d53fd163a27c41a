package fit

import (
	"gonum.org/v1/gonum/mat"

	"github.com/atlas-shape/atlas"
)

// updateAffine runs the per-subject Gauss-Newton pose update and the
// affine precision update. The deformation is ψ = A(q)·(x + φ), so the
// displacement φ does not depend on q and is integrated once per
// subject; each Gauss-Newton step only re-applies the transform.
func (f *Fitter) updateAffine(model *atlas.Model, subjects []*atlas.Subject) {
	o := f.opts
	lat := o.Lattice
	basis := o.Basis
	dim := basis.Dim()
	n := len(subjects)

	// Prior precision restricted to the regularized components; rigid
	// motion stays free.
	prior := maskedSym(model.AffinePrecision, basis.Regularized)

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

		u := atlas.Velocity(model.Subspace, s.Latent, s.Residual)
		disp := atlas.Integrate(lat, u, o.IntegrationSteps)

		objective := func(q []float64) float64 {
			psi := composeAffine(lat, basis.Matrix(q), disp)
			return f.matcher.LogLik(model.Template, obs, psi) - 0.5*quadForm(prior, q)
		}

		improved := false
		for gn := 0; gn < o.GNIterations; gn++ {
			psi := composeAffine(lat, basis.Matrix(s.Affine), disp)
			grad, hess, ll := f.matcher.GradHess(model.Template, obs, psi)
			base := ll - 0.5*quadForm(prior, s.Affine)

			gq, hq := affineProject(lat, basis, disp, grad, hess)
			sys := symAdd(hq, prior)
			for a := 0; a < dim; a++ {
				for b := 0; b < dim; b++ {
					gq[a] -= prior.At(a, b) * s.Affine[b]
				}
			}
			delta := solveSPD(sys, gq)
			if delta == nil {
				break
			}

			step, _, ok := backtrack(o.LineSearchIterations, base, func(step float64) float64 {
				return objective(addScaled(s.Affine, step, delta))
			})
			if !ok {
				break
			}
			s.Affine = addScaled(s.Affine, step, delta)
			if sq := invSPD(sys); sq != nil {
				s.AffineCov = sq
			}
			improved = true
		}
		if !improved {
			s.OK--
			return
		}

		s.LB.Match = objective(s.Affine) + 0.5*quadForm(prior, s.Affine)
	})

	// Precision update from the population second moments, then the bound
	// terms against the refreshed prior.
	model.RederiveAffineAggregates(subjects)
	if aq, err := atlas.WishartPrecision(nil, o.AffinePriorDF, symAdd(model.QQ, model.SQ), float64(n)); err == nil {
		model.AffinePrecision = aq
	}
	prior = maskedSym(model.AffinePrecision, basis.Regularized)

	var match, klq float64
	for _, s := range subjects {
		s.LB.KLQ = subKL(prior, s.Affine, s.AffineCov, basis.Regularized)
		match += s.LB.Match
		klq += s.LB.KLQ
	}
	model.ELBO.Set(atlas.CompMatch, match)
	model.ELBO.Set(atlas.CompKLAffine, -klq)
	model.ELBO.Set(atlas.CompKLAffineA, -atlas.WishartKL(model.AffinePrecision, o.AffinePriorDF))
}

// composeAffine applies the affine transform to the pre-integrated
// displacement, yielding absolute sample positions.
func composeAffine(lat atlas.Lattice, a [16]float64, disp atlas.Field) atlas.Field {
	psi := make(atlas.Field, len(disp))
	for z := 0; z < lat.Nz; z++ {
		for y := 0; y < lat.Ny; y++ {
			for x := 0; x < lat.Nx; x++ {
				i := lat.Index(x, y, z)
				px := float64(x) + disp[3*i]
				py := float64(y) + disp[3*i+1]
				pz := float64(z) + disp[3*i+2]
				psi[3*i], psi[3*i+1], psi[3*i+2] = atlas.Apply(a, px, py, pz)
			}
		}
	}
	return psi
}

// affineProject pulls the voxel-space gradient and Hessian back to the
// affine parameters through the Jacobians dψ/dq_i = G_i·(x + φ(x)).
func affineProject(lat atlas.Lattice, basis atlas.AffineBasis, disp atlas.Field, grad atlas.Field, hess []float64) ([]float64, *mat.SymDense) {
	dim := basis.Dim()
	gq := make([]float64, dim)
	hq := mat.NewSymDense(dim, nil)
	jac := make([][3]float64, dim)

	for z := 0; z < lat.Nz; z++ {
		for y := 0; y < lat.Ny; y++ {
			for x := 0; x < lat.Nx; x++ {
				i := lat.Index(x, y, z)
				px := float64(x) + disp[3*i]
				py := float64(y) + disp[3*i+1]
				pz := float64(z) + disp[3*i+2]
				for a := 0; a < dim; a++ {
					jx, jy, jz := basis.ApplyGen(a, px, py, pz)
					jac[a] = [3]float64{jx, jy, jz}
					gq[a] += grad[3*i]*jx + grad[3*i+1]*jy + grad[3*i+2]*jz
				}
				h := [3][3]float64{
					{hess[6*i+0], hess[6*i+3], hess[6*i+4]},
					{hess[6*i+3], hess[6*i+1], hess[6*i+5]},
					{hess[6*i+4], hess[6*i+5], hess[6*i+2]},
				}
				for a := 0; a < dim; a++ {
					var hj [3]float64
					for r := 0; r < 3; r++ {
						hj[r] = h[r][0]*jac[a][0] + h[r][1]*jac[a][1] + h[r][2]*jac[a][2]
					}
					for b := a; b < dim; b++ {
						hq.SetSym(a, b, hq.At(a, b)+jac[b][0]*hj[0]+jac[b][1]*hj[1]+jac[b][2]*hj[2])
					}
				}
			}
		}
	}
	return gq, hq
}
