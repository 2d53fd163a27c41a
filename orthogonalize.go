package atlas

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Orthogonalize computes the linear reparametrization z → R·z, W → W·Ri
// that keeps the latent representation identifiable. The joint model is
// invariant under any invertible linear map of the latent space; without
// correction the posterior drifts into an arbitrary, badly conditioned
// basis.
//
// Given the latent second moment zz = Σ z·zᵀ + Σ Sz and the subspace
// self-covariance ww, the returned rotation jointly diagonalizes both,
// then rescales each mode: with zero prior degrees of freedom the
// diagonalized scales are split evenly between latent and subspace; with
// positive df the latent side is shrunk toward the prior by N/(N+ν0)
// (generalized-least-squares balancing).
//
// The returned pair satisfies R·Ri = I to numerical tolerance.
func Orthogonalize(zz, ww *mat.SymDense, n, priorDF float64) (r, ri *mat.Dense, err error) {
	k := zz.SymmetricDim()

	chZ, err := cholWithJitter(zz)
	if err != nil {
		return nil, nil, fmt.Errorf("atlas: orthogonalize latent moment: %w", err)
	}
	chW, err := cholWithJitter(ww)
	if err != nil {
		return nil, nil, fmt.Errorf("atlas: orthogonalize subspace covariance: %w", err)
	}

	var lz, lw mat.TriDense
	chZ.LTo(&lz)
	chW.LTo(&lw)

	// M = Lzᵀ·Lw; its SVD gives the joint diagonalization:
	// with T = Uᵀ·Lz⁻¹, T·zz·Tᵀ = I and T⁻ᵀ·ww·T⁻¹ = Σ².
	var m mat.Dense
	m.Mul(lz.T(), &lw)
	var svd mat.SVD
	if !svd.Factorize(&m, mat.SVDFull) {
		return nil, nil, fmt.Errorf("atlas: orthogonalize: SVD failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	sigma := svd.Values(nil)

	// T = Uᵀ·Lz⁻¹, Tinv = Lz·U.
	var lzInv mat.Dense
	if err := lzInv.Inverse(&lz); err != nil {
		return nil, nil, fmt.Errorf("atlas: orthogonalize: %w", err)
	}
	var t, tInv mat.Dense
	t.Mul(u.T(), &lzInv)
	tInv.Mul(&lz, &u)

	// Per-mode rescaling d_k of the diagonalized basis.
	d := make([]float64, k)
	for i := 0; i < k; i++ {
		s := sigma[i]
		if s < 1e-10 {
			d[i] = 1
			continue
		}
		if priorDF > 0 && n > 0 {
			d[i] = math.Sqrt(s * n / (n + priorDF))
		} else {
			d[i] = math.Sqrt(s)
		}
	}

	r = mat.NewDense(k, k, nil)
	ri = mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			r.Set(i, j, d[i]*t.At(i, j))
			ri.Set(i, j, tInv.At(i, j)/d[j])
		}
	}
	return r, ri, nil
}

// ApplyRotation applies the reparametrization to every subject's latent
// coordinates and covariance, to the subspace fields, and to the
// subspace-related aggregates. The latent precision is not rotated here;
// callers re-derive it from the rotated aggregates.
func ApplyRotation(m *Model, subjects []*Subject, r, ri *mat.Dense) {
	k := m.Rank()

	for _, s := range subjects {
		var z mat.VecDense
		z.MulVec(r, s.Latent)
		s.Latent.CopyVec(&z)
		s.LatentCov = congruenceSym(r, s.LatentCov)
	}

	// W ← W·Ri: mode j of the new subspace mixes the old modes by
	// column j of Ri.
	old := make([]Field, k)
	copy(old, m.Subspace)
	for j := 0; j < k; j++ {
		w := make(Field, len(old[0]))
		for i := 0; i < k; i++ {
			c := ri.At(i, j)
			if c != 0 {
				w.AddScaled(c, old[i])
			}
		}
		m.Subspace[j] = w
	}

	m.ZZ = congruenceSym(r, m.ZZ)
	m.SZ = congruenceSym(r, m.SZ)

	// ww ← Riᵀ·ww·Ri.
	var riT mat.Dense
	riT.CloneFrom(ri.T())
	m.SubspaceCov = congruenceSym(&riT, m.SubspaceCov)
}

// congruenceSym returns A·S·Aᵀ as a symmetric matrix.
func congruenceSym(a *mat.Dense, s *mat.SymDense) *mat.SymDense {
	var tmp, full mat.Dense
	tmp.Mul(a, s)
	full.Mul(&tmp, a.T())
	k := s.SymmetricDim()
	out := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return out
}
