package atlas

import "gonum.org/v1/gonum/mat"

// Model holds the shared population parameters. It is mutated only by the
// block updaters in atlas/fit, during single-threaded reduction phases;
// between EM iterations all fields are jointly consistent with the most
// recently completed block update.
type Model struct {
	Template *Template
	Subspace []Field // K principal-geodesic modes over the template lattice

	// SubspaceCov (ww) is the K×K expected operator outer product
	// E[W' L W] of the subspace under its posterior.
	SubspaceCov *mat.SymDense

	LatentPrecision *mat.SymDense // Az, Wishart posterior point estimate
	AffinePrecision *mat.SymDense // Aq, Wishart posterior point estimate

	ResidualPrecision     float64 // lambda, Gamma posterior point estimate
	ResidualPrecisionPrev float64

	// RegWeights (wpz) weight the two components of the latent prior;
	// annealed over iterations.
	RegWeights [2]float64

	// Population aggregates of per-subject sufficient statistics. Any
	// block that changes per-subject latent or affine state re-derives
	// these before the next precision update.
	ZZ *mat.SymDense // Σ z·zᵀ
	SZ *mat.SymDense // Σ Sz
	QQ *mat.SymDense // Σ q·qᵀ
	SQ *mat.SymDense // Σ Sq

	ELBO *ELBO

	// FWHM is the current template smoothing bandwidth, halved at each
	// stage activation.
	FWHM float64
}

// NewModel initializes a model from validated options: flat template,
// zero subspace, identity precisions.
func NewModel(o Options) *Model {
	k := o.Rank
	q := o.Basis.Dim()

	m := &Model{
		Template:              NewTemplate(o.Lattice, o.Classes),
		Subspace:              make([]Field, k),
		SubspaceCov:           identitySym(k, 1e-6),
		LatentPrecision:       identitySym(k, 1),
		AffinePrecision:       identitySym(q, 1),
		ResidualPrecision:     o.ResidualPriorPrecision,
		ResidualPrecisionPrev: o.ResidualPriorPrecision,
		RegWeights:            o.LatentWeightStart,
		ZZ:                    mat.NewSymDense(k, nil),
		SZ:                    mat.NewSymDense(k, nil),
		QQ:                    mat.NewSymDense(q, nil),
		SQ:                    mat.NewSymDense(q, nil),
		ELBO:                  NewELBO(),
		FWHM:                  o.SmoothingFWHM,
	}
	for i := range m.Subspace {
		m.Subspace[i] = NewField(o.Lattice)
	}
	m.Template.ComputeGrad()
	return m
}

// Rank returns the subspace rank K.
func (m *Model) Rank() int { return len(m.Subspace) }

// RederiveLatentAggregates recomputes ZZ and SZ from the subjects so that
// the aggregates equal the sum of per-subject second moments.
func (m *Model) RederiveLatentAggregates(subjects []*Subject) {
	k := m.Rank()
	zz := mat.NewSymDense(k, nil)
	sz := mat.NewSymDense(k, nil)
	for _, s := range subjects {
		for i := 0; i < k; i++ {
			zi := s.Latent.AtVec(i)
			for j := i; j < k; j++ {
				zz.SetSym(i, j, zz.At(i, j)+zi*s.Latent.AtVec(j))
				sz.SetSym(i, j, sz.At(i, j)+s.LatentCov.At(i, j))
			}
		}
	}
	m.ZZ, m.SZ = zz, sz
}

// RederiveAffineAggregates recomputes QQ and SQ from the subjects.
func (m *Model) RederiveAffineAggregates(subjects []*Subject) {
	q := len(subjects[0].Affine)
	qq := mat.NewSymDense(q, nil)
	sq := mat.NewSymDense(q, nil)
	for _, s := range subjects {
		for i := 0; i < q; i++ {
			for j := i; j < q; j++ {
				qq.SetSym(i, j, qq.At(i, j)+s.Affine[i]*s.Affine[j])
				sq.SetSym(i, j, sq.At(i, j)+s.AffineCov.At(i, j))
			}
		}
	}
	m.QQ, m.SQ = qq, sq
}

// LatentReg returns the effective latent precision
// wpz[0]·Az + wpz[1]·ww, combining the statistical and operator priors.
func (m *Model) LatentReg() *mat.SymDense {
	k := m.Rank()
	out := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			out.SetSym(i, j, m.RegWeights[0]*m.LatentPrecision.At(i, j)+m.RegWeights[1]*m.SubspaceCov.At(i, j))
		}
	}
	return out
}

// identitySym returns scale·I as a SymDense.
func identitySym(n int, scale float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, scale)
	}
	return s
}

// copySym returns a copy of s.
func copySym(s *mat.SymDense, n int) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, s.At(i, j))
		}
	}
	return out
}
