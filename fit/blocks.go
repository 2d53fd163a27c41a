package fit

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/atlas-shape/atlas"
)

// applyLinT multiplies each 3-vector of g by the transpose of the linear
// part of the affine matrix a: the chain rule factor pulling a gradient
// over ψ = A·φ back to the velocity.
func applyLinT(a [16]float64, g atlas.Field) atlas.Field {
	out := make(atlas.Field, len(g))
	n := len(g) / 3
	for i := 0; i < n; i++ {
		gx, gy, gz := g[3*i], g[3*i+1], g[3*i+2]
		out[3*i+0] = a[0]*gx + a[4]*gy + a[8]*gz
		out[3*i+1] = a[1]*gx + a[5]*gy + a[9]*gz
		out[3*i+2] = a[2]*gx + a[6]*gy + a[10]*gz
	}
	return out
}

// congruenceHess returns the per-voxel congruence AᵀHA of the packed
// symmetric Hessian (xx yy zz xy xz yz) with the linear part of a.
func congruenceHess(a [16]float64, hess []float64) []float64 {
	out := make([]float64, len(hess))
	n := len(hess) / 6
	// Rows of the linear part.
	r := [3][3]float64{
		{a[0], a[1], a[2]},
		{a[4], a[5], a[6]},
		{a[8], a[9], a[10]},
	}
	for i := 0; i < n; i++ {
		h := [3][3]float64{
			{hess[6*i+0], hess[6*i+3], hess[6*i+4]},
			{hess[6*i+3], hess[6*i+1], hess[6*i+5]},
			{hess[6*i+4], hess[6*i+5], hess[6*i+2]},
		}
		// m = AᵀHA, using columns of A (= rows of Aᵀ).
		var m [3][3]float64
		for p := 0; p < 3; p++ {
			for q := p; q < 3; q++ {
				var v float64
				for s := 0; s < 3; s++ {
					for t := 0; t < 3; t++ {
						v += r[s][p] * h[s][t] * r[t][q]
					}
				}
				m[p][q] = v
			}
		}
		out[6*i+0] = m[0][0]
		out[6*i+1] = m[1][1]
		out[6*i+2] = m[2][2]
		out[6*i+3] = m[0][1]
		out[6*i+4] = m[0][2]
		out[6*i+5] = m[1][2]
	}
	return out
}

// symAdd returns a + b.
func symAdd(a, b *mat.SymDense) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}

// cholesky factorizes s, adding diagonal jitter when needed. Returns nil
// when the matrix cannot be factorized.
func cholesky(s *mat.SymDense) *mat.Cholesky {
	n := s.SymmetricDim()
	var ch mat.Cholesky
	if ch.Factorize(s) {
		return &ch
	}
	var scale float64
	for i := 0; i < n; i++ {
		scale += math.Abs(s.At(i, i))
	}
	if scale == 0 {
		scale = 1
	}
	jitter := 1e-9 * scale / float64(n)
	for attempt := 0; attempt < 6; attempt++ {
		j := mat.NewSymDense(n, nil)
		for a := 0; a < n; a++ {
			for b := a; b < n; b++ {
				j.SetSym(a, b, s.At(a, b))
			}
			j.SetSym(a, a, j.At(a, a)+jitter)
		}
		if ch.Factorize(j) {
			return &ch
		}
		jitter *= 100
	}
	return nil
}

// solveSPD solves M·x = b for symmetric positive definite M. Returns nil
// when the system cannot be solved or the solution is non-finite.
func solveSPD(m *mat.SymDense, b []float64) []float64 {
	ch := cholesky(m)
	if ch == nil {
		return nil
	}
	var x mat.VecDense
	if err := ch.SolveVecTo(&x, mat.NewVecDense(len(b), b)); err != nil {
		return nil
	}
	out := make([]float64, len(b))
	for i := range out {
		out[i] = x.AtVec(i)
		if !finite(out[i]) {
			return nil
		}
	}
	return out
}

// invSPD returns M⁻¹, or nil when M cannot be factorized.
func invSPD(m *mat.SymDense) *mat.SymDense {
	ch := cholesky(m)
	if ch == nil {
		return nil
	}
	var inv mat.SymDense
	if err := ch.InverseTo(&inv); err != nil {
		return nil
	}
	return &inv
}

// quadForm returns vᵀ·S·v.
func quadForm(s *mat.SymDense, v []float64) float64 {
	var out float64
	n := s.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out += v[i] * s.At(i, j) * v[j]
		}
	}
	return out
}

// addScaled returns v + alpha·d as a new slice.
func addScaled(v []float64, alpha float64, d []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = v[i] + alpha*d[i]
	}
	return out
}

// maskedSym zeroes the rows and columns of s whose keep flag is false,
// restricting a precision prior to the flagged components.
func maskedSym(s *mat.SymDense, keep []bool) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if !keep[i] {
			continue
		}
		for j := i; j < n; j++ {
			if keep[j] {
				out.SetSym(i, j, s.At(i, j))
			}
		}
	}
	return out
}

// subKL returns the Gaussian KL of the flagged sub-vector of (v, cov)
// against the prior N(0, prec⁻¹) restricted to the same components. Zero
// when no component is flagged.
func subKL(prec *mat.SymDense, v []float64, cov *mat.SymDense, keep []bool) float64 {
	var idx []int
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return 0
	}
	m := len(idx)
	p := mat.NewSymDense(m, nil)
	s := mat.NewSymDense(m, nil)
	z := mat.NewVecDense(m, nil)
	for a, i := range idx {
		z.SetVec(a, v[i])
		for b := a; b < m; b++ {
			p.SetSym(a, b, prec.At(i, idx[b]))
			s.SetSym(a, b, cov.At(i, idx[b]))
		}
	}
	return klGauss(p, z, s)
}

// modeHess returns Σ_x aᵀ(x)·H(x)·b(x) for the packed per-voxel Hessian
// (xx yy zz xy xz yz): the curvature of the matching term along a pair of
// field directions.
func modeHess(hess []float64, a, b atlas.Field) float64 {
	var out float64
	n := len(hess) / 6
	for i := 0; i < n; i++ {
		hb0 := hess[6*i+0]*b[3*i] + hess[6*i+3]*b[3*i+1] + hess[6*i+4]*b[3*i+2]
		hb1 := hess[6*i+3]*b[3*i] + hess[6*i+1]*b[3*i+1] + hess[6*i+5]*b[3*i+2]
		hb2 := hess[6*i+4]*b[3*i] + hess[6*i+5]*b[3*i+1] + hess[6*i+2]*b[3*i+2]
		out += a[3*i]*hb0 + a[3*i+1]*hb1 + a[3*i+2]*hb2
	}
	return out
}

// klGauss returns the Gaussian KL divergence
//
//	KL(N(z, S) || N(0, P⁻¹)) = ½(tr(P·S) + zᵀ·P·z - k - logdet(P·S))
//
// Returns NaN when either matrix cannot be factorized; the aggregator
// treats that as an undefined contribution.
func klGauss(p *mat.SymDense, z *mat.VecDense, s *mat.SymDense) float64 {
	k := p.SymmetricDim()
	chP := cholesky(p)
	chS := cholesky(s)
	if chP == nil || chS == nil {
		return math.NaN()
	}
	var tr, quad float64
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			tr += p.At(i, j) * s.At(j, i)
			quad += z.AtVec(i) * p.At(i, j) * z.AtVec(j)
		}
	}
	return 0.5 * (tr + quad - float64(k) - chP.LogDet() - chS.LogDet())
}
