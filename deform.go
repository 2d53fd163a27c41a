package atlas

import "gonum.org/v1/gonum/mat"

// Velocity returns a subject's total velocity field W·z + v: the subspace
// reconstruction at the subject's latent coordinates plus its residual.
func Velocity(subspace []Field, z *mat.VecDense, v Field) Field {
	u := v.Clone()
	for k := range subspace {
		if c := z.AtVec(k); c != 0 {
			u.AddScaled(c, subspace[k])
		}
	}
	return u
}

// Integrate composes the stationary velocity u into a displacement by
// Euler integration: steps compositions of the scaled velocity, sampled
// along the evolving deformation. steps ≤ 1 returns the velocity itself
// (small-deformation setting).
func Integrate(lat Lattice, u Field, steps int) Field {
	if steps <= 1 {
		return u.Clone()
	}
	scale := 1 / float64(steps)
	disp := make(Field, len(u))
	for step := 0; step < steps; step++ {
		for z := 0; z < lat.Nz; z++ {
			for y := 0; y < lat.Ny; y++ {
				for x := 0; x < lat.Nx; x++ {
					i := lat.Index(x, y, z)
					px := float64(x) + disp[3*i]
					py := float64(y) + disp[3*i+1]
					pz := float64(z) + disp[3*i+2]
					disp[3*i+0] += scale * sampleTrilinear(u, lat, 3, 0, px, py, pz)
					disp[3*i+1] += scale * sampleTrilinear(u, lat, 3, 1, px, py, pz)
					disp[3*i+2] += scale * sampleTrilinear(u, lat, 3, 2, px, py, pz)
				}
			}
		}
	}
	return disp
}

// Compose builds the absolute sample positions ψ(x) = A·(x + φ(u)) over
// the lattice, where u = W·z + v is integrated into a displacement φ and
// A is the affine transform of q under the basis.
func Compose(lat Lattice, basis AffineBasis, q []float64, subspace []Field, z *mat.VecDense, v Field, steps int) Field {
	u := Velocity(subspace, z, v)
	disp := Integrate(lat, u, steps)
	a := basis.Matrix(q)

	psi := make(Field, len(disp))
	for zz := 0; zz < lat.Nz; zz++ {
		for yy := 0; yy < lat.Ny; yy++ {
			for xx := 0; xx < lat.Nx; xx++ {
				i := lat.Index(xx, yy, zz)
				px := float64(xx) + disp[3*i]
				py := float64(yy) + disp[3*i+1]
				pz := float64(zz) + disp[3*i+2]
				tx, ty, tz := Apply(a, px, py, pz)
				psi[3*i], psi[3*i+1], psi[3*i+2] = tx, ty, tz
			}
		}
	}
	return psi
}

// Deformation returns the subject's full deformation as absolute sample
// positions over the template lattice, for callers reconstructing
// subject-space images.
func (m *Model) Deformation(s *Subject, basis AffineBasis, steps int) Field {
	return Compose(m.Template.Lat, basis, s.Affine, m.Subspace, s.Latent, s.Residual, steps)
}
