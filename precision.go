package atlas

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// WishartPrecision returns the conjugate posterior point estimate of a
// precision matrix:
//
//	A = (ν0 + N) · (ν0·A0⁻¹ + S)⁻¹
//
// where A0 is the prior expected precision (nil → identity), ν0 the prior
// degrees of freedom, S the accumulated second-moment scatter and N the
// subject count. ν0 = 0 gives the maximum-likelihood N·S⁻¹. The result is
// symmetric positive definite for any finite scatter and positive count;
// a scatter that cannot be factorized even after jitter returns ErrNotSPD.
func WishartPrecision(prior *mat.SymDense, priorDF float64, scatter *mat.SymDense, n float64) (*mat.SymDense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: subject count %g", ErrInvalidOptions, n)
	}
	k := scatter.SymmetricDim()

	// B = ν0·A0⁻¹ + S.
	b := copySym(scatter, k)
	if priorDF > 0 {
		if prior == nil {
			for i := 0; i < k; i++ {
				b.SetSym(i, i, b.At(i, i)+priorDF)
			}
		} else {
			var ch mat.Cholesky
			if !ch.Factorize(prior) {
				return nil, fmt.Errorf("%w: prior precision", ErrNotSPD)
			}
			var inv mat.SymDense
			if err := ch.InverseTo(&inv); err != nil {
				return nil, fmt.Errorf("atlas: invert prior precision: %w", err)
			}
			for i := 0; i < k; i++ {
				for j := i; j < k; j++ {
					b.SetSym(i, j, b.At(i, j)+priorDF*inv.At(i, j))
				}
			}
		}
	}

	ch, err := cholWithJitter(b)
	if err != nil {
		return nil, err
	}
	var inv mat.SymDense
	if err := ch.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("atlas: invert scatter: %w", err)
	}
	out := mat.NewSymDense(k, nil)
	scale := priorDF + n
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			out.SetSym(i, j, scale*inv.At(i, j))
		}
	}
	return out, nil
}

// GammaPrecision returns the conjugate posterior point estimate of the
// residual noise precision:
//
//	λ = (n0 + N) / (n0/λ0 + E/M)
//
// with prior pseudo-count n0, prior expected precision λ0, accumulated
// squared-residual energy E, subject count N and lattice size M. Strictly
// positive for valid inputs; a non-finite energy falls back to the prior.
func GammaPrecision(priorCount, priorPrecision, energy, n float64, latticeSize int) float64 {
	if !isFinite(energy) || energy < 0 {
		energy = 0
	}
	den := priorCount/priorPrecision + energy/float64(latticeSize)
	if den <= 0 {
		return priorPrecision
	}
	return (priorCount + n) / den
}

// WishartKL is the KL divergence of the precision posterior from its
// identity-scale prior, up to constants:
//
//	KL = ν0/2 · (tr(A) - logdet(A) - K)
//
// Zero when the prior is uninformative (ν0 = 0); nonnegative for SPD A.
func WishartKL(post *mat.SymDense, priorDF float64) float64 {
	if priorDF <= 0 {
		return 0
	}
	k := post.SymmetricDim()
	var ch mat.Cholesky
	if !ch.Factorize(post) {
		return math.Inf(1)
	}
	var tr float64
	for i := 0; i < k; i++ {
		tr += post.At(i, i)
	}
	return 0.5 * priorDF * (tr - ch.LogDet() - float64(k))
}

// GammaKL is the KL divergence of the residual precision posterior from
// its prior, up to constants:
//
//	KL = n0·M/2 · (λ/λ0 - 1 - log(λ/λ0))
func GammaKL(post, prior, priorCount float64, latticeSize int) float64 {
	if priorCount <= 0 || post <= 0 || prior <= 0 {
		return 0
	}
	r := post / prior
	return 0.5 * priorCount * float64(latticeSize) * (r - 1 - math.Log(r))
}

// cholWithJitter factorizes s, adding an increasing diagonal jitter when
// the plain factorization fails. Returns ErrNotSPD when jitter cannot
// rescue it.
func cholWithJitter(s *mat.SymDense) (*mat.Cholesky, error) {
	k := s.SymmetricDim()
	var ch mat.Cholesky
	if ch.Factorize(s) {
		return &ch, nil
	}
	var scale float64
	for i := 0; i < k; i++ {
		scale += math.Abs(s.At(i, i))
	}
	if scale == 0 {
		scale = 1
	}
	jitter := 1e-10 * scale / float64(k)
	for attempt := 0; attempt < 8; attempt++ {
		j := copySym(s, k)
		for i := 0; i < k; i++ {
			j.SetSym(i, i, j.At(i, i)+jitter)
		}
		if ch.Factorize(j) {
			return &ch, nil
		}
		jitter *= 100
	}
	return nil, ErrNotSPD
}
