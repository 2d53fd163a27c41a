package atlas

import "math"

// Template is the population mean appearance over the lattice. For the
// categorical and bernoulli models Data holds class probabilities; for the
// normal model it holds mean intensities.
type Template struct {
	Lat     Lattice
	Classes int
	Data    []float64 // Len*Classes, class-major per voxel: Data[vox*Classes+c]
	Grad    []float64 // Len*Classes*3: Grad[(vox*Classes+c)*3+d]
}

// NewTemplate returns a flat template: uniform class probabilities.
func NewTemplate(l Lattice, classes int) *Template {
	t := &Template{
		Lat:     l,
		Classes: classes,
		Data:    make([]float64, l.Len()*classes),
		Grad:    make([]float64, l.Len()*classes*3),
	}
	for i := range t.Data {
		t.Data[i] = 1 / float64(classes)
	}
	return t
}

// Sample returns class c trilinearly interpolated at (x, y, z).
func (t *Template) Sample(c int, x, y, z float64) float64 {
	return sampleTrilinear(t.Data, t.Lat, t.Classes, c, x, y, z)
}

// SampleGrad returns the spatial gradient of class c at (x, y, z),
// in voxel units.
func (t *Template) SampleGrad(c int, x, y, z float64) [3]float64 {
	var g [3]float64
	for d := 0; d < 3; d++ {
		g[d] = sampleTrilinear(t.Grad, t.Lat, t.Classes*3, c*3+d, x, y, z)
	}
	return g
}

// ComputeGrad recomputes Grad by central differences (one-sided at the
// boundary), in voxel units.
func (t *Template) ComputeGrad() {
	l := t.Lat
	for z := 0; z < l.Nz; z++ {
		for y := 0; y < l.Ny; y++ {
			for x := 0; x < l.Nx; x++ {
				i := l.Index(x, y, z)
				for c := 0; c < t.Classes; c++ {
					t.Grad[(i*t.Classes+c)*3+0] = t.diff(c, x, y, z, 0)
					t.Grad[(i*t.Classes+c)*3+1] = t.diff(c, x, y, z, 1)
					t.Grad[(i*t.Classes+c)*3+2] = t.diff(c, x, y, z, 2)
				}
			}
		}
	}
}

// diff is the finite difference of class c along axis d at (x, y, z).
func (t *Template) diff(c, x, y, z, d int) float64 {
	l := t.Lat
	lo := [3]int{x, y, z}
	hi := lo
	n := [3]int{l.Nx, l.Ny, l.Nz}
	if hi[d] < n[d]-1 {
		hi[d]++
	}
	if lo[d] > 0 {
		lo[d]--
	}
	span := float64(hi[d] - lo[d])
	if span == 0 {
		return 0
	}
	vHi := t.Data[l.Index(hi[0], hi[1], hi[2])*t.Classes+c]
	vLo := t.Data[l.Index(lo[0], lo[1], lo[2])*t.Classes+c]
	return (vHi - vLo) / span
}

// Smooth convolves each class with a separable Gaussian of the given FWHM
// (in voxels). FWHM below 0.1 voxels is a no-op.
func (t *Template) Smooth(fwhm float64) {
	kernel := gaussKernel(fwhm)
	if kernel == nil {
		return
	}
	for axis := 0; axis < 3; axis++ {
		t.convolveAxis(axis, kernel)
	}
}

// gaussKernel builds a normalized 1-D Gaussian kernel for the given FWHM.
// Returns nil when the kernel would be a point mass.
func gaussKernel(fwhm float64) []float64 {
	if fwhm < 0.1 {
		return nil
	}
	sigma := fwhm / (2 * math.Sqrt(2*math.Log(2)))
	radius := int(3*sigma + 0.5)
	if radius < 1 {
		radius = 1
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := range k {
		d := float64(i - radius)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolveAxis convolves all classes along one axis with boundary clamping.
func (t *Template) convolveAxis(axis int, kernel []float64) {
	l := t.Lat
	n := [3]int{l.Nx, l.Ny, l.Nz}
	radius := len(kernel) / 2
	out := make([]float64, len(t.Data))
	for z := 0; z < l.Nz; z++ {
		for y := 0; y < l.Ny; y++ {
			for x := 0; x < l.Nx; x++ {
				pos := [3]int{x, y, z}
				for c := 0; c < t.Classes; c++ {
					var acc float64
					for ki, kv := range kernel {
						p := pos
						p[axis] += ki - radius
						if p[axis] < 0 {
							p[axis] = 0
						}
						if p[axis] > n[axis]-1 {
							p[axis] = n[axis] - 1
						}
						acc += kv * t.Data[l.Index(p[0], p[1], p[2])*t.Classes+c]
					}
					out[l.Index(x, y, z)*t.Classes+c] = acc
				}
			}
		}
	}
	copy(t.Data, out)
}
