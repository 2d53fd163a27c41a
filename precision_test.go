package atlas

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// checkSPD fails the test unless s is symmetric positive definite.
func checkSPD(t *testing.T, s *mat.SymDense) {
	t.Helper()
	var ch mat.Cholesky
	if !ch.Factorize(s) {
		t.Fatalf("matrix is not positive definite:\n%v", mat.Formatted(s))
	}
}

func TestWishartPrecisionIdentityScatter(t *testing.T) {
	const k = 3
	const n = 10.0
	const df = 3.0

	scatter := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		scatter.SetSym(i, i, n) // unit per-subject scatter
	}

	post, err := WishartPrecision(nil, df, scatter, n)
	if err != nil {
		t.Fatalf("WishartPrecision: %v", err)
	}
	checkSPD(t, post)

	// With A0 = I: A = (df+n)·(df·I + S)⁻¹, diagonal here.
	want := (df + n) / (df + n)
	for i := 0; i < k; i++ {
		if got := post.At(i, i); math.Abs(got-want) > 1e-12 {
			t.Errorf("post[%d][%d] = %g, want %g", i, i, got, want)
		}
	}
}

// Zero degrees of freedom is the maximum-likelihood branch N·S⁻¹.
func TestWishartPrecisionMLBranch(t *testing.T) {
	const k = 2
	const n = 5.0
	scatter := mat.NewSymDense(k, []float64{10, 2, 2, 20})

	post, err := WishartPrecision(nil, 0, scatter, n)
	if err != nil {
		t.Fatalf("WishartPrecision: %v", err)
	}
	checkSPD(t, post)

	// post·S should equal n·I.
	var prod mat.Dense
	prod.Mul(post, scatter)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			want := 0.0
			if i == j {
				want = n
			}
			if got := prod.At(i, j); math.Abs(got-want) > 1e-9 {
				t.Errorf("(post·S)[%d][%d] = %g, want %g", i, j, got, want)
			}
		}
	}
}

func TestWishartPrecisionInvalidCount(t *testing.T) {
	scatter := mat.NewSymDense(2, nil)
	if _, err := WishartPrecision(nil, 2, scatter, 0); err == nil {
		t.Error("WishartPrecision with zero count should return error")
	}
}

func TestGammaPrecision(t *testing.T) {
	tests := []struct {
		name                string
		n0, lam0, energy, n float64
		m                   int
		want                float64
	}{
		{"prior only", 10, 1, 0, 0, 100, 1},
		{"zero energy doubles", 10, 1, 0, 10, 100, 2},
		{"balanced", 10, 1, 1000, 10, 100, 1},
		{"non-finite energy falls back", 10, 2, math.NaN(), 0, 100, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GammaPrecision(tt.n0, tt.lam0, tt.energy, tt.n, tt.m)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("GammaPrecision = %g, want %g", got, tt.want)
			}
			if got <= 0 {
				t.Errorf("GammaPrecision = %g, want > 0", got)
			}
		})
	}
}

func TestWishartKL(t *testing.T) {
	// Identity posterior has zero divergence from the identity-scale prior.
	id := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		id.SetSym(i, i, 1)
	}
	if got := WishartKL(id, 3); math.Abs(got) > 1e-12 {
		t.Errorf("WishartKL(I, 3) = %g, want 0", got)
	}
	// Uninformative prior contributes nothing.
	scaled := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		scaled.SetSym(i, i, 4)
	}
	if got := WishartKL(scaled, 0); got != 0 {
		t.Errorf("WishartKL with zero df = %g, want 0", got)
	}
	// Away from the prior the divergence is positive.
	if got := WishartKL(scaled, 3); got <= 0 {
		t.Errorf("WishartKL(4I, 3) = %g, want > 0", got)
	}
}

func TestGammaKL(t *testing.T) {
	if got := GammaKL(1, 1, 10, 100); got != 0 {
		t.Errorf("GammaKL at the prior = %g, want 0", got)
	}
	if got := GammaKL(3, 1, 10, 100); got <= 0 {
		t.Errorf("GammaKL(3, 1) = %g, want > 0", got)
	}
	if got := GammaKL(3, 1, 0, 100); got != 0 {
		t.Errorf("GammaKL with zero pseudo-count = %g, want 0", got)
	}
}
