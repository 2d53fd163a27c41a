package atlas

// AffineBasis is a generator basis for affine motion. A parameter vector q
// maps to the transform matrix I + Σ q_i·G_i (small-deformation
// parametrization). Regularized marks the components subject to the
// affine precision prior; the others (typically rigid motion) are free.
type AffineBasis struct {
	Gen         [][16]float64 // 4×4 row-major generators
	Regularized []bool
}

// Dim returns the number of affine parameters.
func (b AffineBasis) Dim() int { return len(b.Gen) }

// DefaultAffineBasis returns the 12-parameter basis: three translations,
// three rotations, three zooms, three shears. Zooms and shears are
// regularized; rigid motion is free.
func DefaultAffineBasis() AffineBasis {
	gen := make([][16]float64, 12)

	set := func(i, row, col int, v float64) { gen[i][row*4+col] = v }

	// Translations.
	set(0, 0, 3, 1)
	set(1, 1, 3, 1)
	set(2, 2, 3, 1)
	// Rotations (infinitesimal).
	set(3, 1, 2, -1)
	set(3, 2, 1, 1)
	set(4, 0, 2, 1)
	set(4, 2, 0, -1)
	set(5, 0, 1, -1)
	set(5, 1, 0, 1)
	// Zooms.
	set(6, 0, 0, 1)
	set(7, 1, 1, 1)
	set(8, 2, 2, 1)
	// Shears.
	set(9, 0, 1, 1)
	set(10, 0, 2, 1)
	set(11, 1, 2, 1)

	reg := make([]bool, 12)
	for i := 6; i < 12; i++ {
		reg[i] = true
	}
	return AffineBasis{Gen: gen, Regularized: reg}
}

// Matrix returns the 4×4 transform I + Σ q_i·G_i (row-major).
func (b AffineBasis) Matrix(q []float64) [16]float64 {
	var m [16]float64
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	for i, g := range b.Gen {
		if q[i] == 0 {
			continue
		}
		for j := 0; j < 16; j++ {
			m[j] += q[i] * g[j]
		}
	}
	return m
}

// Apply transforms the point (x, y, z) by the 4×4 matrix m.
func Apply(m [16]float64, x, y, z float64) (float64, float64, float64) {
	return m[0]*x + m[1]*y + m[2]*z + m[3],
		m[4]*x + m[5]*y + m[6]*z + m[7],
		m[8]*x + m[9]*y + m[10]*z + m[11]
}

// ApplyGen transforms the homogeneous point (x, y, z, 1) by generator i;
// this is dψ/dq_i at that point under the linear parametrization.
func (b AffineBasis) ApplyGen(i int, x, y, z float64) (float64, float64, float64) {
	g := b.Gen[i]
	return g[0]*x + g[1]*y + g[2]*z + g[3],
		g[4]*x + g[5]*y + g[6]*z + g[7],
		g[8]*x + g[9]*y + g[10]*z + g[11]
}
