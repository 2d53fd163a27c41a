package atlas

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// isFinite reports whether v is neither NaN nor infinite.
func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Lattice describes the template voxel grid.
type Lattice struct {
	Nx, Ny, Nz int
	Voxel      [3]float64 // voxel size in mm
}

// Len returns the number of voxels in the lattice.
func (l Lattice) Len() int { return l.Nx * l.Ny * l.Nz }

// Index returns the linear voxel index of (x, y, z).
func (l Lattice) Index(x, y, z int) int { return (z*l.Ny+y)*l.Nx + x }

// Field is a vector field over a lattice: three components per voxel,
// voxel-major (f[3*i+d] is component d at voxel i). Depending on context a
// Field holds either a displacement/velocity or absolute sample positions.
type Field []float64

// NewField returns a zero field over the lattice.
func NewField(l Lattice) Field { return make(Field, 3*l.Len()) }

// Clone returns a copy of the field.
func (f Field) Clone() Field {
	out := make(Field, len(f))
	copy(out, f)
	return out
}

// Zero resets all components.
func (f Field) Zero() {
	for i := range f {
		f[i] = 0
	}
}

// AddScaled adds alpha*g to f in place.
func (f Field) AddScaled(alpha float64, g Field) { floats.AddScaled(f, alpha, g) }

// Dot returns the euclidean inner product <f, g>.
func (f Field) Dot(g Field) float64 { return floats.Dot(f, g) }

// clamp restricts v to [0, n-1].
func clamp(v float64, n int) float64 {
	if v < 0 {
		return 0
	}
	if max := float64(n - 1); v > max {
		return max
	}
	return v
}

// sampleTrilinear samples channel c of data (stride channels per voxel) at
// the continuous position (x, y, z), clamping to the lattice boundary.
func sampleTrilinear(data []float64, l Lattice, stride, c int, x, y, z float64) float64 {
	x = clamp(x, l.Nx)
	y = clamp(y, l.Ny)
	z = clamp(z, l.Nz)

	x0 := int(x)
	y0 := int(y)
	z0 := int(z)
	x1 := min(x0+1, l.Nx-1)
	y1 := min(y0+1, l.Ny-1)
	z1 := min(z0+1, l.Nz-1)
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	at := func(xi, yi, zi int) float64 {
		return data[l.Index(xi, yi, zi)*stride+c]
	}

	c00 := at(x0, y0, z0)*(1-fx) + at(x1, y0, z0)*fx
	c10 := at(x0, y1, z0)*(1-fx) + at(x1, y1, z0)*fx
	c01 := at(x0, y0, z1)*(1-fx) + at(x1, y0, z1)*fx
	c11 := at(x0, y1, z1)*(1-fx) + at(x1, y1, z1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

// Splat distributes val into channel c of data (stride channels per
// voxel) around the continuous position (x, y, z) with trilinear weights.
// This is the adjoint of trilinear sampling, used when pushing
// subject-space values back onto the template lattice.
func Splat(data []float64, l Lattice, stride, c int, x, y, z, val float64) {
	splatTrilinear(data, l, stride, c, x, y, z, val)
}

// splatTrilinear distributes val into channel c of data (stride channels
// per voxel) around the continuous position (x, y, z) with trilinear
// weights, clamping to the lattice boundary. Non-finite values are dropped.
func splatTrilinear(data []float64, l Lattice, stride, c int, x, y, z, val float64) {
	if !isFinite(val) {
		return
	}
	x = clamp(x, l.Nx)
	y = clamp(y, l.Ny)
	z = clamp(z, l.Nz)

	x0 := int(x)
	y0 := int(y)
	z0 := int(z)
	x1 := min(x0+1, l.Nx-1)
	y1 := min(y0+1, l.Ny-1)
	z1 := min(z0+1, l.Nz-1)
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	add := func(xi, yi, zi int, w float64) {
		data[l.Index(xi, yi, zi)*stride+c] += w * val
	}

	add(x0, y0, z0, (1-fx)*(1-fy)*(1-fz))
	add(x1, y0, z0, fx*(1-fy)*(1-fz))
	add(x0, y1, z0, (1-fx)*fy*(1-fz))
	add(x1, y1, z0, fx*fy*(1-fz))
	add(x0, y0, z1, (1-fx)*(1-fy)*fz)
	add(x1, y0, z1, fx*(1-fy)*fz)
	add(x0, y1, z1, (1-fx)*fy*fz)
	add(x1, y1, z1, fx*fy*fz)
}
