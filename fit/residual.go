package fit

import (
	"math"

	"github.com/atlas-shape/atlas"
)

// updateResidual runs the per-subject Gauss-Newton update of the
// residual velocity fields and the conjugate update of the shared noise
// precision. Residual failures are tracked by the OK2 counter,
// independently of the pose/latent counter.
func (f *Fitter) updateResidual(model *atlas.Model, subjects []*atlas.Subject) {
	o := f.opts
	lat := o.Lattice
	basis := o.Basis
	n := len(subjects)
	lam := model.ResidualPrecision

	energies := make([]float64, n)

	forEach(n, o.Workers, o.BatchSize, func(i int) {
		s := subjects[i]
		if o.PenalizeFailures && s.OK2 <= 0 {
			energies[i] = f.op.Energy(s.Residual)
			return
		}
		obs, err := o.Storage.Load(s.Image)
		if err != nil {
			s.OK2--
			energies[i] = f.op.Energy(s.Residual)
			return
		}
		aMat := basis.Matrix(s.Affine)

		objective := func(v atlas.Field) float64 {
			psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, s.Latent, v, o.IntegrationSteps)
			return f.matcher.LogLik(model.Template, obs, psi) - 0.5*lam*f.op.Energy(v)
		}

		improved := false
		for gn := 0; gn < o.GNIterations; gn++ {
			psi := atlas.Compose(lat, basis, s.Affine, model.Subspace, s.Latent, s.Residual, o.IntegrationSteps)
			grad, hess, ll := f.matcher.GradHess(model.Template, obs, psi)
			base := ll - 0.5*lam*f.op.Energy(s.Residual)

			g := applyLinT(aMat, grad)
			g.AddScaled(-lam, f.op.Vel2Mom(s.Residual))
			ha := congruenceHess(aMat, hess)
			d := f.solver.Solve(g, ha, lam)

			step, _, ok := backtrack(o.LineSearchIterations, base, func(step float64) float64 {
				v := s.Residual.Clone()
				v.AddScaled(step, d)
				return objective(v)
			})
			if !ok {
				break
			}
			s.Residual.AddScaled(step, d)
			improved = true
		}
		if !improved {
			s.OK2--
		}
		energies[i] = f.op.Energy(s.Residual)
		if improved {
			s.LB.Match = objective(s.Residual) + 0.5*lam*f.op.Energy(s.Residual)
		}
	})

	// A degenerate per-subject energy is replaced by the population mean
	// of the finite ones so a single failed subject cannot poison the
	// precision update.
	var sum float64
	var finiteCount int
	for _, e := range energies {
		if finite(e) && e >= 0 {
			sum += e
			finiteCount++
		}
	}
	mean := 0.0
	if finiteCount > 0 {
		mean = sum / float64(finiteCount)
	}
	var total float64
	for _, e := range energies {
		if finite(e) && e >= 0 {
			total += e
		} else {
			total += mean
		}
	}

	m3 := 3 * lat.Len()
	model.ResidualPrecisionPrev = lam
	lam = atlas.GammaPrecision(o.ResidualPriorCount, o.ResidualPriorPrecision, total, float64(n), m3)
	model.ResidualPrecision = lam

	// Second pass: the residual bound terms against the refreshed
	// precision.
	halfLogDet := 0.5 * float64(m3) * math.Log(lam)
	var match, klv float64
	for i, s := range subjects {
		e := energies[i]
		if !finite(e) || e < 0 {
			e = mean
		}
		s.LB.KLV = 0.5*lam*e - halfLogDet
		match += s.LB.Match
		klv += s.LB.KLV
	}
	model.ELBO.Set(atlas.CompMatch, match)
	model.ELBO.Set(atlas.CompKLResidual, -klv)
	model.ELBO.Set(atlas.CompKLResidualA,
		-atlas.GammaKL(lam, o.ResidualPriorPrecision, o.ResidualPriorCount, m3))
}
