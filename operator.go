package atlas

// Operator applies the regularization differential operator to velocity
// fields: L = a·I - m·Δ (absolute + membrane energy), discretized with
// finite differences and Neumann boundaries. This is the reference
// discretization; the fitting engine only relies on Vel2Mom and Energy.
type Operator struct {
	Lat      Lattice
	Absolute float64
	Membrane float64
}

// Vel2Mom returns L·v, the momentum of the velocity field v.
func (op *Operator) Vel2Mom(v Field) Field {
	l := op.Lat
	out := make(Field, len(v))
	n := [3]int{l.Nx, l.Ny, l.Nz}

	for z := 0; z < l.Nz; z++ {
		for y := 0; y < l.Ny; y++ {
			for x := 0; x < l.Nx; x++ {
				i := l.Index(x, y, z)
				pos := [3]int{x, y, z}
				for d := 0; d < 3; d++ {
					val := op.Absolute * v[3*i+d]
					// Negative Laplacian, Neumann boundary (missing
					// neighbors mirror the center).
					var lap float64
					for axis := 0; axis < 3; axis++ {
						for _, dir := range [2]int{-1, 1} {
							p := pos
							p[axis] += dir
							if p[axis] < 0 || p[axis] > n[axis]-1 {
								continue
							}
							j := l.Index(p[0], p[1], p[2])
							lap += v[3*i+d] - v[3*j+d]
						}
					}
					val += op.Membrane * lap
					out[3*i+d] = val
				}
			}
		}
	}
	return out
}

// Energy returns the regularization energy <L·v, v>.
func (op *Operator) Energy(v Field) float64 {
	return op.Vel2Mom(v).Dot(v)
}

// Solver computes regularized Gauss-Newton search directions over vector
// fields by conjugate gradients on (H + w·L)·d = g, where H is the
// per-voxel matching Hessian and w scales the operator. Deterministic for
// identical inputs.
type Solver struct {
	Op    *Operator
	Iters int
}

// Solve returns an approximate solution d of (H + w·L)·d = g. hess packs
// the per-voxel symmetric 3×3 Hessian as xx yy zz xy xz yz.
func (s *Solver) Solve(grad Field, hess []float64, w float64) Field {
	apply := func(d Field) Field {
		out := s.Op.Vel2Mom(d)
		if w != 1 {
			for i := range out {
				out[i] *= w
			}
		}
		n := len(d) / 3
		for i := 0; i < n; i++ {
			dx, dy, dz := d[3*i], d[3*i+1], d[3*i+2]
			out[3*i+0] += hess[6*i+0]*dx + hess[6*i+3]*dy + hess[6*i+4]*dz
			out[3*i+1] += hess[6*i+3]*dx + hess[6*i+1]*dy + hess[6*i+5]*dz
			out[3*i+2] += hess[6*i+4]*dx + hess[6*i+5]*dy + hess[6*i+2]*dz
		}
		return out
	}

	x := make(Field, len(grad))
	r := grad.Clone()
	p := r.Clone()
	rs := r.Dot(r)
	if rs == 0 || !isFinite(rs) {
		return x
	}
	rs0 := rs

	for it := 0; it < s.Iters; it++ {
		ap := apply(p)
		den := p.Dot(ap)
		if den <= 0 || !isFinite(den) {
			break
		}
		alpha := rs / den
		x.AddScaled(alpha, p)
		r.AddScaled(-alpha, ap)
		rsNew := r.Dot(r)
		if !isFinite(rsNew) || rsNew < 1e-12*rs0 {
			break
		}
		beta := rsNew / rs
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rs = rsNew
	}
	return x
}
